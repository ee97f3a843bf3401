package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/types"
)

// historyStore keeps per-conversation message history in the broker under
// conversation_history:<id>, bounded by a turn count and by the model's
// context window.
type historyStore struct {
	bus          broker.Broker
	model        llm.Provider
	log          *slog.Logger
	systemPrompt string
	maxTurns     int
	maxTokens    int
}

func newHistoryStore(bus broker.Broker, model llm.Provider, systemPrompt string, maxTurns, maxTokens int, log *slog.Logger) *historyStore {
	return &historyStore{
		bus:          bus,
		model:        model,
		log:          log,
		systemPrompt: systemPrompt,
		maxTurns:     maxTurns,
		maxTokens:    maxTokens,
	}
}

// load returns the conversation's history, seeding a fresh one with the
// system prompt when none exists. A corrupt record is discarded rather than
// poisoning the conversation.
func (h *historyStore) load(ctx context.Context, id string) ([]types.Message, error) {
	data, err := h.bus.Get(ctx, broker.HistoryKey(id))
	if errors.Is(err, broker.ErrKeyNotFound) {
		return h.seed(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load history: %w", err)
	}

	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		h.log.Warn("discarding corrupt history", "conversation_id", id, "error", err)
		return h.seed(), nil
	}
	return msgs, nil
}

// save trims and persists the history, renewing the conversation TTL.
func (h *historyStore) save(ctx context.Context, id string, msgs []types.Message) error {
	msgs = h.trim(msgs)
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("orchestrator: encode history: %w", err)
	}
	if err := h.bus.Set(ctx, broker.HistoryKey(id), data, broker.ConversationTTL); err != nil {
		return fmt.Errorf("orchestrator: save history: %w", err)
	}
	return nil
}

func (h *historyStore) seed() []types.Message {
	if h.systemPrompt == "" {
		return nil
	}
	return []types.Message{{Role: "system", Content: h.systemPrompt}}
}

// trim drops the oldest turns until both the turn-count bound and the model's
// context budget hold. The system message and the most recent turn are never
// dropped.
func (h *historyStore) trim(msgs []types.Message) []types.Message {
	for h.countTurns(msgs) > h.maxTurns {
		next := dropOldestTurn(msgs)
		if len(next) == len(msgs) {
			break
		}
		msgs = next
	}

	budget := h.contextBudget()
	if budget <= 0 {
		return msgs
	}
	for {
		tokens, err := h.model.CountTokens(msgs)
		if err != nil || tokens <= budget {
			return msgs
		}
		next := dropOldestTurn(msgs)
		if len(next) == len(msgs) {
			return msgs
		}
		msgs = next
	}
}

func (h *historyStore) countTurns(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != "system" {
			n++
		}
	}
	return n
}

// contextBudget is the model's window minus the completion reservation.
func (h *historyStore) contextBudget() int {
	cw := h.model.Capabilities().ContextWindow
	if cw == 0 {
		return 0
	}
	reserve := h.maxTokens
	if reserve == 0 {
		reserve = h.model.Capabilities().MaxOutputTokens
	}
	return cw - reserve
}

// dropOldestTurn removes the oldest non-system message. An assistant message
// carrying tool calls takes its tool results with it so the pair never
// splits.
func dropOldestTurn(msgs []types.Message) []types.Message {
	for i, m := range msgs {
		if m.Role == "system" {
			continue
		}
		if i >= len(msgs)-1 {
			return msgs
		}
		end := i + 1
		if len(m.ToolCalls) > 0 {
			for end < len(msgs) && msgs[end].Role == "tool" {
				end++
			}
		}
		return append(msgs[:i], msgs[end:]...)
	}
	return msgs
}
