// Package ttsworker implements the speech-synthesis worker core. It consumes
// sentence requests from the orchestrator, plays each conversation's sentences
// strictly in sequence order through a tts.Provider, and streams the resulting
// PCM to the conversation's audio output channel framed by start and end
// envelopes. Stop commands, barge-in signals, and client disconnects cancel
// the active synthesis and drop whatever is queued.
//
// While a sentence is being synthesized the worker holds a short-lived
// tts_active key so the VAD worker knows barge-in detection applies.
package ttsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/registry"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/types"
)

// synthTimeout bounds a single sentence's synthesis end to end.
const synthTimeout = 30 * time.Second

// Worker is the TTS worker core. Create instances with New and drive them
// with Run.
type Worker struct {
	log    *slog.Logger
	bus    broker.Broker
	engine tts.Provider
	met    *observe.Metrics

	providerName string
	defaultVoice string
	synthTimeout time.Duration

	convs *registry.Registry[*conversation]
	wg    sync.WaitGroup
}

// New assembles a worker from its collaborators and the tts section of the
// shared configuration.
func New(bus broker.Broker, engine tts.Provider, cfg *config.Config, log *slog.Logger) *Worker {
	return &Worker{
		log:          log,
		bus:          bus,
		engine:       engine,
		met:          observe.DefaultMetrics(),
		providerName: cfg.TTS.Provider.Name,
		defaultVoice: cfg.TTS.VoiceID,
		synthTimeout: synthTimeout,
		convs:        registry.New[*conversation](),
	}
}

// Run subscribes to the request, control, barge-in, and connection-event
// channels and processes messages until ctx is cancelled or the subscription
// closes. Active syntheses are cancelled and awaited before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx,
		broker.TTSRequestChannel,
		broker.TTSControlChannel,
		broker.BargeInChannel,
		broker.ConnectionEventsChannel,
	)
	if err != nil {
		return fmt.Errorf("ttsworker: subscribe: %w", err)
	}
	defer sub.Close()

	w.log.Info("tts worker started",
		"provider", w.providerName,
		"default_voice", w.defaultVoice,
		"engine_rate", w.engine.SampleRate())

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
	case broker.TTSRequestChannel:
		req, err := protocol.Decode[protocol.SentenceRequest](msg.Payload)
		if err != nil || req.ConversationID == "" || req.Text == "" {
			w.log.Warn("dropping malformed sentence request", "error", err)
			return
		}
		c, _ := w.convs.GetOrCreate(req.ConversationID, func() *conversation {
			return &conversation{id: req.ConversationID, w: w}
		})
		c.enqueue(ctx, req)

	case broker.TTSControlChannel:
		cmd, err := protocol.Decode[protocol.TTSControl](msg.Payload)
		if err != nil || cmd.Command != protocol.CommandStopTTS {
			return
		}
		w.cancelConversation(cmd.ConversationID, "stop command")

	case broker.BargeInChannel:
		ev, err := protocol.Decode[protocol.BargeIn](msg.Payload)
		if err != nil || ev.Type != protocol.TypeBargeInDetected {
			return
		}
		w.cancelConversation(ev.ConversationID, "barge-in")

	case broker.ConnectionEventsChannel:
		ev, err := protocol.Decode[protocol.ConnectionEvent](msg.Payload)
		if err != nil || ev.Type != protocol.TypeClientDisconnected {
			return
		}
		w.cancelConversation(ev.ConversationID, "client disconnected")
		w.convs.Remove(ev.ConversationID)
	}
}

func (w *Worker) cancelConversation(id, reason string) {
	c, ok := w.convs.Get(id)
	if !ok {
		return
	}
	c.stop()
	w.log.Info("synthesis cancelled", "conversation_id", id, "reason", reason)
}

// resolveVoice picks the voice for one sentence: the request's explicit
// voice, then the conversation's stored configuration, then the worker
// default.
func (w *Worker) resolveVoice(ctx context.Context, id, requested string) types.VoiceProfile {
	if requested != "" {
		return types.VoiceProfile{ID: requested, Provider: w.providerName}
	}
	if data, err := w.bus.Get(ctx, broker.ConfigKey(id)); err == nil {
		var cfg struct {
			VoiceID string `json:"voice_id"`
		}
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.VoiceID != "" {
			return types.VoiceProfile{ID: cfg.VoiceID, Provider: w.providerName}
		}
	}
	return types.VoiceProfile{ID: w.defaultVoice, Provider: w.providerName}
}

// clearActive deletes the conversation's tts_active key once playback stops.
func (w *Worker) clearActive(ctx context.Context, id string) {
	if err := w.bus.Delete(ctx, broker.TTSActiveKey(id)); err != nil {
		w.log.Warn("tts-active delete failed", "conversation_id", id, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, channel string, payload []byte) {
	if err := w.bus.Publish(ctx, channel, payload); err != nil {
		w.log.Error("publish failed", "channel", channel, "error", err)
	}
}

// drain stops every conversation and waits for their playback loops.
func (w *Worker) drain() {
	w.convs.ForEach(func(id string, c *conversation) {
		c.stop()
	})
	w.wg.Wait()
}
