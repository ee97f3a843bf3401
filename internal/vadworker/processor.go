package vadworker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/vad"
)

const (
	// firstPartialMs is how much speech must accumulate before the first
	// partial transcription request; later requests follow the configured
	// cadence.
	firstPartialMs = 300

	// bargeInDebounce caps barge-in signals at one per second per
	// conversation. The debounce resets when the utterance finalizes.
	bargeInDebounce = time.Second
)

// tuning holds the utterance state machine timings, in milliseconds of
// audio time.
type tuning struct {
	sampleRate        int
	speechThreshold   float64
	minSpeechMs       int
	minSilenceMs      int
	minUtteranceMs    int
	prerollMs         int
	partialIntervalMs int
}

// processor is the per-conversation utterance state machine. Frames are fed
// by the worker loop goroutine; the transcript pump goroutine drains the ASR
// session. Only the atomic fields cross the two.
type processor struct {
	id  string
	tun tuning
	log *slog.Logger
	bus broker.Broker
	met *observe.Metrics

	vadSess vad.SessionHandle
	sttSess stt.SessionHandle

	// pre-roll ring of frames preceding the speech onset
	preroll   [][]byte
	prerollMs int

	// candidate speech run not yet long enough to count as an onset
	onset   [][]byte
	onsetMs int

	speaking       bool
	speechMs       int
	silenceMs      int
	sincePartialMs int
	partialSent    bool

	lastBargeIn time.Time

	// lastAudioMs is the wall-clock Unix-ms of the most recent frame, read
	// by the idle reaper.
	lastAudioMs atomic.Int64

	// pendingDiscards counts utterances flushed below the minimum length
	// whose finals the pump must swallow.
	pendingDiscards atomic.Int64

	// lastFlushNs timestamps the most recent counted flush, for the ASR
	// final latency histogram.
	lastFlushNs atomic.Int64

	pumpDone chan struct{}
}

func newProcessor(ctx context.Context, id string, tun tuning, bus broker.Broker, vadSess vad.SessionHandle, sttSess stt.SessionHandle, log *slog.Logger) *processor {
	p := &processor{
		id:       id,
		tun:      tun,
		log:      log.With("conversation_id", id),
		bus:      bus,
		met:      observe.DefaultMetrics(),
		vadSess:  vadSess,
		sttSess:  sttSess,
		pumpDone: make(chan struct{}),
	}
	p.lastAudioMs.Store(time.Now().UnixMilli())
	go p.pump(ctx)
	return p
}

// processFrame advances the state machine by one inbound PCM frame.
func (p *processor) processFrame(ctx context.Context, frame []byte) {
	p.lastAudioMs.Store(time.Now().UnixMilli())
	frameMs := audio.DurationMs(len(frame), p.tun.sampleRate)

	ev, err := p.vadSess.ProcessFrame(frame)
	if err != nil {
		p.log.Warn("vad frame failed", "error", err)
		ev = vad.VADEvent{Type: vad.VADSilence}
	}
	isSpeech := ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue

	if !p.speaking {
		if isSpeech {
			p.onset = append(p.onset, frame)
			p.onsetMs += frameMs
			if p.onsetMs >= p.tun.minSpeechMs {
				p.beginUtterance(ctx)
			}
			return
		}
		// A candidate run that never reached the onset threshold flows
		// back into the pre-roll.
		for _, f := range p.onset {
			p.pushPreroll(f)
		}
		p.onset, p.onsetMs = nil, 0
		p.pushPreroll(frame)
		return
	}

	p.sendAudio(ctx, frame)

	if isSpeech {
		p.speechMs += frameMs
		p.silenceMs = 0
		p.sincePartialMs += frameMs
		p.maybeRequestPartial()
		p.maybeBargeIn(ctx)
		return
	}

	p.silenceMs += frameMs
	if p.silenceMs >= p.tun.minSilenceMs {
		p.finalize(ctx)
	}
}

// beginUtterance transitions to speaking and replays the pre-roll plus the
// confirmed onset run into the ASR session so speech onsets are not clipped.
func (p *processor) beginUtterance(ctx context.Context) {
	p.speaking = true
	p.speechMs = p.onsetMs
	p.silenceMs = 0
	p.sincePartialMs = p.onsetMs
	p.partialSent = false

	for _, f := range p.preroll {
		p.sendAudio(ctx, f)
	}
	for _, f := range p.onset {
		p.sendAudio(ctx, f)
	}
	p.preroll, p.prerollMs = nil, 0
	p.onset, p.onsetMs = nil, 0

	p.maybeRequestPartial()
	p.maybeBargeIn(ctx)
}

// finalize ends the current utterance after sustained silence. Utterances
// shorter than the minimum are flushed but their finals discarded.
func (p *processor) finalize(ctx context.Context) {
	if p.speechMs >= p.tun.minUtteranceMs {
		p.met.Utterances.Add(ctx, 1)
		p.lastFlushNs.Store(time.Now().UnixNano())
	} else {
		p.pendingDiscards.Add(1)
		p.log.Debug("discarding short utterance", "speech_ms", p.speechMs)
	}
	if err := p.sttSess.Flush(); err != nil {
		p.log.Warn("asr flush failed", "error", err)
	}

	p.speaking = false
	p.speechMs, p.silenceMs, p.sincePartialMs = 0, 0, 0
	p.partialSent = false
	p.onset, p.onsetMs = nil, 0
	p.preroll, p.prerollMs = nil, 0
	p.lastBargeIn = time.Time{}
}

// pushPreroll appends a frame to the pre-roll ring and trims the front down
// to the configured window.
func (p *processor) pushPreroll(frame []byte) {
	p.preroll = append(p.preroll, frame)
	p.prerollMs += audio.DurationMs(len(frame), p.tun.sampleRate)
	for len(p.preroll) > 0 && p.prerollMs > p.tun.prerollMs {
		p.prerollMs -= audio.DurationMs(len(p.preroll[0]), p.tun.sampleRate)
		p.preroll = p.preroll[1:]
	}
}

func (p *processor) sendAudio(ctx context.Context, frame []byte) {
	if err := p.sttSess.SendAudio(frame); err != nil {
		p.met.RecordDroppedFrame(ctx, "asr")
		p.log.Warn("asr send failed", "error", err)
	}
}

// maybeRequestPartial asks for an interim transcript once ~300 ms of speech
// has accumulated, then on every partial-interval boundary.
func (p *processor) maybeRequestPartial() {
	threshold := firstPartialMs
	if p.partialSent {
		threshold = p.tun.partialIntervalMs
	} else if p.speechMs < firstPartialMs {
		return
	}
	if p.sincePartialMs < threshold {
		return
	}
	p.sincePartialMs = 0
	p.partialSent = true
	if err := p.sttSess.RequestPartial(); err != nil {
		p.log.Warn("asr partial request failed", "error", err)
	}
}

// maybeBargeIn publishes a barge-in signal when the user speaks while TTS
// audio is being produced for this conversation.
func (p *processor) maybeBargeIn(ctx context.Context) {
	if time.Since(p.lastBargeIn) < bargeInDebounce {
		return
	}
	active, err := p.bus.Exists(ctx, broker.TTSActiveKey(p.id))
	if err != nil {
		p.log.Warn("tts-active lookup failed", "error", err)
		return
	}
	if !active {
		return
	}

	p.lastBargeIn = time.Now()
	payload := protocol.Marshal(protocol.BargeIn{
		Type:           protocol.TypeBargeInDetected,
		ConversationID: p.id,
		TimestampMs:    protocol.NowMs(),
	})
	if err := p.bus.Publish(ctx, broker.BargeInChannel, payload); err != nil {
		p.log.Warn("barge-in publish failed", "error", err)
		return
	}
	p.met.BargeIns.Add(ctx, 1)
	p.log.Info("barge-in detected", "speech_ms", p.speechMs)
}

// pump forwards ASR results to the transcript channel until the session's
// output channels close.
func (p *processor) pump(ctx context.Context) {
	defer close(p.pumpDone)

	partials := p.sttSess.Partials()
	finals := p.sttSess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			p.publishTranscript(ctx, protocol.TypePartialTranscript, t.Text)

		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if p.pendingDiscards.Load() > 0 {
				p.pendingDiscards.Add(-1)
				continue
			}
			if start := p.lastFlushNs.Swap(0); start > 0 {
				p.met.ASRDuration.Record(ctx, time.Since(time.Unix(0, start)).Seconds())
			}
			// Empty finals are published too; the orchestrator ignores them.
			p.publishTranscript(ctx, protocol.TypeFinalTranscript, t.Text)
		}
	}
}

func (p *processor) publishTranscript(ctx context.Context, typ, text string) {
	payload := protocol.Marshal(protocol.TranscriptEvent{
		Type:           typ,
		ConversationID: p.id,
		Transcript:     text,
		TimestampMs:    protocol.NowMs(),
	})
	if err := p.bus.Publish(ctx, broker.TranscriptChannel, payload); err != nil {
		p.log.Warn("transcript publish failed", "type", typ, "error", err)
	}
}

// idleFor returns how long ago the processor last saw audio.
func (p *processor) idleFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.lastAudioMs.Load()))
}

// close releases the VAD and ASR sessions and waits for the pump to drain.
func (p *processor) close() {
	_ = p.sttSess.Close()
	_ = p.vadSess.Close()
	<-p.pumpDone
}
