// Package vadworker implements the VAD/ASR worker core. It consumes the
// shared inbound audio channel, segments each conversation's stream into
// utterances with a voice activity detector, streams the utterance audio to
// an ASR session, and publishes partial and final transcripts. While TTS
// audio is being produced it raises barge-in signals so the orchestrator can
// cancel the active response.
//
// Per-conversation processors are created lazily on the first audio frame
// and reaped when the client disconnects or the conversation goes idle.
package vadworker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/registry"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/vad"
)

// reapInterval is how often the idle-processor scan runs.
const reapInterval = 60 * time.Second

// Worker is the VAD/ASR worker core. Create instances with New and drive
// them with Run.
type Worker struct {
	log *slog.Logger
	bus broker.Broker
	eng vad.Engine
	asr stt.Provider
	met *observe.Metrics

	tun          tuning
	language     string
	idleTimeout  time.Duration
	reapInterval time.Duration

	procs *registry.Registry[*processor]
}

// New assembles a worker from its collaborators and the vad/asr sections of
// the shared configuration.
func New(bus broker.Broker, eng vad.Engine, asr stt.Provider, cfg *config.Config, log *slog.Logger) *Worker {
	return &Worker{
		log: log,
		bus: bus,
		eng: eng,
		asr: asr,
		met: observe.DefaultMetrics(),
		tun: tuning{
			sampleRate:        audio.SampleRate,
			speechThreshold:   float64(cfg.VAD.SpeechThreshold),
			minSpeechMs:       cfg.VAD.MinSpeechMs,
			minSilenceMs:      cfg.VAD.MinSilenceMs,
			minUtteranceMs:    cfg.VAD.MinUtteranceMs,
			prerollMs:         cfg.VAD.PrerollMs,
			partialIntervalMs: cfg.VAD.PartialIntervalMs,
		},
		language:     cfg.ASR.Language,
		idleTimeout:  time.Duration(cfg.VAD.IdleTimeoutMs) * time.Millisecond,
		reapInterval: reapInterval,
		procs:        registry.New[*processor](),
	}
}

// Run subscribes to the audio and connection-event channels and processes
// messages until ctx is cancelled or the subscription closes. All live
// processors are closed before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, broker.AudioStreamChannel, broker.ConnectionEventsChannel)
	if err != nil {
		return fmt.Errorf("vadworker: subscribe: %w", err)
	}
	defer sub.Close()

	ticker := time.NewTicker(w.reapInterval)
	defer ticker.Stop()

	w.log.Info("vad worker started",
		"min_speech_ms", w.tun.minSpeechMs,
		"min_silence_ms", w.tun.minSilenceMs,
		"idle_timeout", w.idleTimeout)

	defer w.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		case <-ticker.C:
			w.reapIdle(ctx)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg broker.Message) {
	switch msg.Channel {
	case broker.AudioStreamChannel:
		in, err := protocol.Decode[protocol.InboundAudio](msg.Payload)
		if err != nil || in.ConversationID == "" || len(in.Audio) == 0 {
			w.met.RecordDroppedFrame(ctx, "vad")
			w.log.Debug("dropping malformed audio frame", "error", err)
			return
		}
		p, err := w.processorFor(ctx, in.ConversationID)
		if err != nil {
			w.met.RecordDroppedFrame(ctx, "vad")
			w.log.Error("processor creation failed", "conversation_id", in.ConversationID, "error", err)
			return
		}
		p.processFrame(ctx, in.Audio)

	case broker.ConnectionEventsChannel:
		ev, err := protocol.Decode[protocol.ConnectionEvent](msg.Payload)
		if err != nil {
			w.log.Warn("malformed connection event", "error", err)
			return
		}
		if ev.Type != protocol.TypeClientDisconnected {
			return
		}
		if p, ok := w.procs.Remove(ev.ConversationID); ok {
			p.close()
			w.met.ActiveConversations.Add(ctx, -1)
			w.log.Info("conversation detached", "conversation_id", ev.ConversationID, "reason", ev.Reason)
		}
	}
}

// processorFor returns the conversation's processor, creating the VAD and
// ASR sessions on first contact. Only the Run goroutine creates processors.
func (w *Worker) processorFor(ctx context.Context, id string) (*processor, error) {
	if p, ok := w.procs.Get(id); ok {
		return p, nil
	}

	vadSess, err := w.eng.NewSession(vad.Config{
		SampleRate:      w.tun.sampleRate,
		SpeechThreshold: w.tun.speechThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("vadworker: vad session: %w", err)
	}

	sttSess, err := w.asr.StartStream(ctx, stt.StreamConfig{
		SampleRate: w.tun.sampleRate,
		Channels:   audio.Channels,
		Language:   w.language,
	})
	if err != nil {
		_ = vadSess.Close()
		return nil, fmt.Errorf("vadworker: asr session: %w", err)
	}

	p := newProcessor(ctx, id, w.tun, w.bus, vadSess, sttSess, w.log)
	w.procs.Put(id, p)
	w.met.ActiveConversations.Add(ctx, 1)
	w.log.Info("conversation attached", "conversation_id", id)
	return p, nil
}

// reapIdle closes processors that have not seen audio within the idle
// timeout.
func (w *Worker) reapIdle(ctx context.Context) {
	now := time.Now()
	w.procs.ForEach(func(id string, p *processor) {
		if p.idleFor(now) < w.idleTimeout {
			return
		}
		if p, ok := w.procs.Remove(id); ok {
			p.close()
			w.met.ActiveConversations.Add(ctx, -1)
			w.log.Info("conversation reaped idle", "conversation_id", id)
		}
	})
}

func (w *Worker) closeAll() {
	w.procs.ForEach(func(id string, p *processor) {
		if p, ok := w.procs.Remove(id); ok {
			p.close()
		}
	})
}
