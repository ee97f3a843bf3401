// Package orchestrator implements the dialog orchestrator core. It turns
// final transcripts into assistant turns: streamed tokens on the token
// channel, sentence-segmented synthesis requests on the TTS request channel,
// and tool invocations through the tool router. At most one generation is in
// flight per conversation; a newer transcript, a barge-in, or a disconnect
// cancels the previous one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/orchestrator/toolrouter"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/registry"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// convState tracks the single in-flight generation and the monotone sentence
// sequence of one conversation. done closes when the turn's goroutine has
// finished, history save included.
type convState struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    atomic.Int64
}

// Worker is the orchestrator core. Create instances with New and drive them
// with Run.
type Worker struct {
	log    *slog.Logger
	bus    broker.Broker
	model  llm.Provider
	router *toolrouter.Router
	hist   *historyStore
	met    *observe.Metrics

	providerName     string
	temperature      float64
	maxTokens        int
	firstFlushChars  int
	maxSentenceChars int
	maxToolDepth     int
	genTimeout       time.Duration

	convs *registry.Registry[*convState]
	wg    sync.WaitGroup
}

// New assembles a worker from its collaborators and the llm/orchestrator
// sections of the shared configuration.
func New(bus broker.Broker, model llm.Provider, router *toolrouter.Router, cfg *config.Config, log *slog.Logger) *Worker {
	return &Worker{
		log:    log,
		bus:    bus,
		model:  model,
		router: router,
		hist: newHistoryStore(bus, model, cfg.LLM.SystemPrompt,
			cfg.Orchestrator.MaxHistoryTurns, cfg.LLM.MaxTokens, log),
		met:              observe.DefaultMetrics(),
		providerName:     cfg.LLM.Provider.Name,
		temperature:      cfg.LLM.Temperature,
		maxTokens:        cfg.LLM.MaxTokens,
		firstFlushChars:  cfg.Orchestrator.FirstFlushChars,
		maxSentenceChars: cfg.Orchestrator.MaxSentenceChars,
		maxToolDepth:     cfg.Orchestrator.MaxToolDepth,
		genTimeout:       time.Duration(cfg.Orchestrator.GenerationTimeoutMs) * time.Millisecond,
		convs:            registry.New[*convState](),
	}
}

// Run subscribes to the orchestrator's input channels and processes messages
// until ctx is cancelled or the subscription closes. In-flight generations
// are cancelled and drained before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx,
		broker.TranscriptChannel,
		broker.BargeInChannel,
		broker.ClientToolResponseChannel,
		broker.ClientCapabilitiesChannel,
		broker.ConnectionEventsChannel,
	)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe: %w", err)
	}
	defer sub.Close()

	w.log.Info("orchestrator started",
		"provider", w.providerName,
		"max_tool_depth", w.maxToolDepth)

	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg broker.Message) {
	switch msg.Channel {
	case broker.TranscriptChannel:
		ev, err := protocol.Decode[protocol.TranscriptEvent](msg.Payload)
		if err != nil {
			w.log.Warn("malformed transcript event", "error", err)
			return
		}
		if !ev.Final() || strings.TrimSpace(ev.Transcript) == "" {
			return
		}
		w.startTurn(ctx, ev.ConversationID, ev.Transcript)

	case broker.BargeInChannel:
		ev, err := protocol.Decode[protocol.BargeIn](msg.Payload)
		if err != nil || ev.Type != protocol.TypeBargeInDetected {
			return
		}
		if w.cancelGeneration(ev.ConversationID) {
			if dt := protocol.NowMs() - ev.TimestampMs; dt >= 0 {
				w.met.BargeInReaction.Record(ctx, float64(dt)/1000)
			}
			w.log.Info("generation cancelled by barge-in", "conversation_id", ev.ConversationID)
		}

	case broker.ClientToolResponseChannel:
		resp, err := protocol.Decode[protocol.ClientToolResponse](msg.Payload)
		if err != nil {
			w.log.Warn("malformed tool response", "error", err)
			return
		}
		w.router.HandleResponse(resp)

	case broker.ClientCapabilitiesChannel:
		caps, err := protocol.Decode[protocol.ClientCapabilities](msg.Payload)
		if err != nil || caps.ConversationID == "" {
			w.log.Warn("malformed client capabilities", "error", err)
			return
		}
		w.router.SetClientCatalog(caps)

	case broker.ConnectionEventsChannel:
		ev, err := protocol.Decode[protocol.ConnectionEvent](msg.Payload)
		if err != nil || ev.Type != protocol.TypeClientDisconnected {
			return
		}
		w.cancelGeneration(ev.ConversationID)
		w.convs.Remove(ev.ConversationID)
		w.router.RemoveClient(ev.ConversationID)
	}
}

// startTurn supersedes any in-flight generation for the conversation and
// launches a new one. The new turn waits for the superseded one to finish so
// its partial-text save lands in history before the successor loads it.
func (w *Worker) startTurn(ctx context.Context, id, userText string) {
	st, _ := w.convs.GetOrCreate(id, func() *convState { return &convState{} })

	genCtx, cancel := context.WithTimeout(ctx, w.genTimeout)
	done := make(chan struct{})

	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	prev := st.done
	st.cancel = cancel
	st.done = done
	st.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		w.runTurn(genCtx, st, id, userText)
	}()
}

// cancelGeneration cancels the conversation's in-flight generation, if any.
func (w *Worker) cancelGeneration(id string) bool {
	st, ok := w.convs.Get(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel == nil {
		return false
	}
	st.cancel()
	st.cancel = nil
	return true
}

// drain cancels every in-flight generation and waits for them to finish.
func (w *Worker) drain() {
	w.convs.ForEach(func(id string, st *convState) {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		st.mu.Unlock()
	})
	w.wg.Wait()
}

// ---- outbound publishes ----

func (w *Worker) publishToken(ctx context.Context, id, text string) {
	payload := protocol.Marshal(protocol.TokenEvent{
		Type:           protocol.TypeToken,
		ConversationID: id,
		Role:           "assistant",
		Content:        text,
	})
	if err := w.bus.Publish(ctx, broker.LLMTokenChannel, payload); err != nil {
		w.log.Warn("token publish failed", "conversation_id", id, "error", err)
	}
}

func (w *Worker) emitSentence(ctx context.Context, st *convState, id, text string) {
	payload := protocol.Marshal(protocol.SentenceRequest{
		ConversationID: id,
		Text:           text,
		Sequence:       st.seq.Add(1),
	})
	if err := w.bus.Publish(ctx, broker.TTSRequestChannel, payload); err != nil {
		w.log.Warn("sentence publish failed", "conversation_id", id, "error", err)
	}
}

func (w *Worker) publishStopTTS(ctx context.Context, id string) {
	payload := protocol.Marshal(protocol.TTSControl{
		Command:        protocol.CommandStopTTS,
		ConversationID: id,
	})
	if err := w.bus.Publish(ctx, broker.TTSControlChannel, payload); err != nil {
		w.log.Warn("stop_tts publish failed", "conversation_id", id, "error", err)
	}
}

func (w *Worker) publishToolStatus(ctx context.Context, id string, call llm.ToolCall, status, result string) {
	ev := protocol.ToolStatusEvent{
		Type:           protocol.TypeTool,
		ConversationID: id,
		ToolCallID:     call.ID,
		Name:           call.Name,
		Status:         status,
	}
	if status == protocol.ToolStatusCompleted {
		ev.Result = toolResultJSON(result)
	}
	if err := w.bus.Publish(ctx, broker.LLMToolCallChannel, protocol.Marshal(ev)); err != nil {
		w.log.Warn("tool status publish failed", "conversation_id", id, "error", err)
	}
}
