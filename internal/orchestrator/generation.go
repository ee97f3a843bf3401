package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/types"
)

// apologyText is the terminal utterance voiced when the model fails.
const apologyText = "I am temporarily unavailable."

// runTurn drives one assistant turn: history, streaming, segmentation, tool
// rounds, and persistence. It runs in its own goroutine; ctx is the
// generation's cancellation handle.
func (w *Worker) runTurn(ctx context.Context, st *convState, id, userText string) {
	defer w.wg.Done()

	// bg survives cancellation for the publishes and saves that must still
	// happen after the generation is cut short.
	bg := context.WithoutCancel(ctx)
	log := w.log.With("conversation_id", id)

	w.met.ActiveGenerations.Add(bg, 1)
	defer w.met.ActiveGenerations.Add(bg, -1)

	msgs, err := w.hist.load(ctx, id)
	if err != nil {
		log.Error("history load failed", "error", err)
		w.fail(bg, st, id)
		return
	}
	msgs = append(msgs, types.Message{Role: "user", Content: userText})
	if err := w.hist.save(ctx, id, msgs); err != nil {
		log.Warn("history save failed", "error", err)
	}

	seg := newSegmenter(w.firstFlushChars, w.maxSentenceChars)
	started := time.Now()
	sawFirstToken := false

	for depth := 0; ; depth++ {
		stream, err := w.model.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:    msgs,
			Tools:       w.router.Definitions(id),
			Temperature: w.temperature,
			MaxTokens:   w.maxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				w.abort(bg, id, msgs, "", ctx.Err(), log)
				return
			}
			log.Error("llm stream failed", "error", err)
			w.met.RecordProviderError(bg, w.providerName, "llm")
			w.fail(bg, st, id)
			return
		}
		w.met.RecordProviderRequest(bg, w.providerName, "llm", "ok")

		var roundText strings.Builder
		var calls []types.ToolCall
		streamFailed := false
		for chunk := range stream {
			if ctx.Err() != nil {
				continue // drain, emit nothing more
			}
			if chunk.Text != "" {
				if !sawFirstToken {
					sawFirstToken = true
					w.met.FirstTokenLatency.Record(ctx, time.Since(started).Seconds())
				}
				roundText.WriteString(chunk.Text)
				w.publishToken(ctx, id, chunk.Text)
				for _, s := range seg.push(chunk.Text) {
					w.emitSentence(ctx, st, id, s)
				}
			}
			calls = mergeToolCalls(calls, chunk.ToolCalls)
			if chunk.FinishReason == "error" {
				streamFailed = true
			}
		}

		if ctx.Err() != nil {
			w.abort(bg, id, msgs, roundText.String(), ctx.Err(), log)
			return
		}
		if streamFailed {
			log.Error("llm stream reported an error mid-generation")
			w.met.RecordProviderError(bg, w.providerName, "llm")
			w.fail(bg, st, id)
			return
		}

		if len(calls) == 0 {
			msgs = append(msgs, types.Message{Role: "assistant", Content: roundText.String()})
			break
		}
		if depth >= w.maxToolDepth {
			log.Warn("tool depth limit reached; ending turn", "depth", depth)
			msgs = append(msgs, types.Message{Role: "assistant", Content: roundText.String()})
			break
		}

		msgs = append(msgs, types.Message{
			Role:      "assistant",
			Content:   roundText.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			msgs = append(msgs, w.executeTool(ctx, id, call))
			if ctx.Err() != nil {
				w.abort(bg, id, msgs, "", ctx.Err(), log)
				return
			}
		}
	}

	if rem := seg.remainder(); rem != "" {
		w.emitSentence(ctx, st, id, rem)
	}
	w.met.LLMDuration.Record(ctx, time.Since(started).Seconds())
	if err := w.hist.save(ctx, id, msgs); err != nil {
		log.Warn("history save failed", "error", err)
	}
	log.Debug("turn complete", "duration_ms", time.Since(started).Milliseconds())
}

// abort finishes a generation cut short by cancellation or the turn deadline:
// stop any active synthesis and keep the text that was already voiced.
func (w *Worker) abort(ctx context.Context, id string, msgs []types.Message, partial string, cause error, log *slog.Logger) {
	w.publishStopTTS(ctx, id)
	if partial != "" {
		msgs = append(msgs, types.Message{Role: "assistant", Content: partial})
	}
	if err := w.hist.save(ctx, id, msgs); err != nil {
		log.Warn("history save failed", "error", err)
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		log.Warn("generation timed out")
		return
	}
	log.Info("generation cancelled")
}

// fail voices the apology. The failed assistant turn is not persisted; the
// user's message already is, so a retry sees it.
func (w *Worker) fail(ctx context.Context, st *convState, id string) {
	w.publishStopTTS(ctx, id)
	w.publishToken(ctx, id, apologyText)
	w.emitSentence(ctx, st, id, apologyText)
}

// executeTool runs one tool call through the router, publishing its status
// transitions, and returns the tool message for the history.
func (w *Worker) executeTool(ctx context.Context, id string, call types.ToolCall) types.Message {
	w.publishToolStatus(ctx, id, call, protocol.ToolStatusRunning, "")

	result, err := w.router.Dispatch(ctx, id, call)
	if err != nil {
		w.log.Warn("tool call failed", "conversation_id", id, "tool", call.Name, "error", err)
		w.publishToolStatus(ctx, id, call, protocol.ToolStatusFailed, "")
		return types.Message{
			Role:       "tool",
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("error: %v", err),
		}
	}

	w.publishToolStatus(ctx, id, call, protocol.ToolStatusCompleted, result)
	return types.Message{
		Role:       "tool",
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    result,
	}
}

// mergeToolCalls folds streamed tool-call deltas into complete calls. A delta
// with a known ID extends that call's arguments; one with no ID extends the
// most recent call.
func mergeToolCalls(acc []types.ToolCall, in []types.ToolCall) []types.ToolCall {
	for _, c := range in {
		if c.ID == "" && len(acc) > 0 {
			acc[len(acc)-1].Arguments += c.Arguments
			continue
		}
		merged := false
		for i := range acc {
			if acc[i].ID == c.ID {
				acc[i].Arguments += c.Arguments
				if c.Name != "" {
					acc[i].Name = c.Name
				}
				merged = true
				break
			}
		}
		if !merged {
			acc = append(acc, c)
		}
	}
	return acc
}

// toolResultJSON wraps a tool result for the status event: raw when it is
// already JSON, quoted otherwise.
func toolResultJSON(result string) json.RawMessage {
	trimmed := strings.TrimSpace(result)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(result)
	return quoted
}
