package ttsworker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	brokermock "github.com/parley-ai/parley/internal/broker/mock"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/tts"
	ttsmock "github.com/parley-ai/parley/pkg/provider/tts/mock"
	"github.com/parley-ai/parley/pkg/types"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.TTS.Provider.Name = "test"
	cfg.TTS.VoiceID = "voice-default"
	return cfg
}

type fixture struct {
	t   *testing.T
	bus *brokermock.Broker
	w   *Worker
	ctx context.Context
}

// startWorker runs the worker in the background and waits for its
// subscription before returning, so published messages are not lost.
func startWorker(t *testing.T, engine tts.Provider, tweak func(*Worker)) *fixture {
	t.Helper()
	bus := brokermock.New()
	w := New(bus, engine, testConfig(), slog.Default())
	if tweak != nil {
		tweak(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	eventually(t, func() bool { return bus.SubscriberCount() == 1 }, "worker subscription")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return &fixture{t: t, bus: bus, w: w, ctx: ctx}
}

func (f *fixture) publishSentence(id, text string, seq int64) {
	f.t.Helper()
	err := f.bus.Publish(f.ctx, broker.TTSRequestChannel, protocol.Marshal(protocol.SentenceRequest{
		ConversationID: id,
		Text:           text,
		Sequence:       seq,
	}))
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) output(id string) []broker.Message {
	return f.bus.PublishedOn(broker.AudioOutputChannel(id))
}

// splitOutput decodes the JSON control messages on the output channel in
// order and sums the bytes of the binary PCM payloads between them.
func splitOutput(t *testing.T, msgs []broker.Message) (envelopes []map[string]any, pcmBytes int) {
	t.Helper()
	for _, m := range msgs {
		if protocol.IsEnvelope(m.Payload) {
			env, err := protocol.Decode[map[string]any](m.Payload)
			if err != nil {
				t.Fatal(err)
			}
			envelopes = append(envelopes, env)
			continue
		}
		pcmBytes += len(m.Payload)
	}
	return envelopes, pcmBytes
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeEngine scripts SynthesizeStream behaviour per call: emit chunks, then
// optionally hold the stream open until the context is cancelled.
type fakeStep struct {
	chunks [][]byte
	stall  bool
	err    error
}

type fakeEngine struct {
	mu     sync.Mutex
	rate   int
	steps  []fakeStep
	voices []types.VoiceProfile
	n      int
}

func (e *fakeEngine) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	e.mu.Lock()
	var step fakeStep
	if e.n < len(e.steps) {
		step = e.steps[e.n]
	}
	e.n++
	e.voices = append(e.voices, voice)
	e.mu.Unlock()

	go func() {
		for range text {
		}
	}()
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan []byte, len(step.chunks))
	go func() {
		defer close(ch)
		for _, c := range step.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if step.stall {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (e *fakeEngine) SampleRate() int {
	if e.rate == 0 {
		return audio.SampleRate
	}
	return e.rate
}

func (e *fakeEngine) ListVoices(context.Context) ([]types.VoiceProfile, error) { return nil, nil }

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

var _ tts.Provider = (*fakeEngine)(nil)

func TestSentencePlaysChunkedWithEnvelopes(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{bytes.Repeat([]byte{1}, 5000), bytes.Repeat([]byte{2}, 3000)},
	}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Hello there.", 1)
	eventually(t, func() bool {
		envs, _ := splitOutput(t, f.output("conv-1"))
		return len(envs) >= 2
	}, "start and end envelopes")

	msgs := f.output("conv-1")
	envs, pcm := splitOutput(t, msgs)
	if len(envs) != 2 {
		t.Fatalf("envelopes = %v", envs)
	}

	start, err := protocol.Decode[protocol.AudioStreamStart](msgs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if start.Type != protocol.TypeAudioStreamStart || start.Format != protocol.AudioFormatPCM16 ||
		start.SampleRate != audio.SampleRate || start.Channels != audio.Channels {
		t.Errorf("start envelope = %+v", start)
	}

	end, err := protocol.Decode[protocol.AudioStreamEnd](msgs[len(msgs)-1].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if end.Type != protocol.TypeAudioStreamEnd || end.Reason != "" || end.ChunkCount != 2 {
		t.Errorf("end envelope = %+v", end)
	}

	if pcm != 8000 {
		t.Errorf("streamed %d PCM bytes, want 8000", pcm)
	}
	for _, m := range msgs[1 : len(msgs)-1] {
		if len(m.Payload) > audio.MaxChunkBytes {
			t.Errorf("chunk of %d bytes exceeds %d", len(m.Payload), audio.MaxChunkBytes)
		}
	}

	// Natural end with an empty queue releases the active flag.
	eventually(t, func() bool {
		ok, _ := f.bus.Exists(f.ctx, broker.TTSActiveKey("conv-1"))
		return !ok
	}, "tts-active key release")
}

func TestResamplesEngineRate(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Provider{
		Rate:             8000,
		SynthesizeChunks: [][]byte{bytes.Repeat([]byte{1}, 1000)},
	}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Hi.", 1)
	eventually(t, func() bool {
		envs, _ := splitOutput(t, f.output("conv-1"))
		return len(envs) >= 2
	}, "end envelope")

	// 500 samples at 8 kHz become 1000 samples at 16 kHz.
	_, pcm := splitOutput(t, f.output("conv-1"))
	if pcm != 2000 {
		t.Errorf("streamed %d PCM bytes, want 2000", pcm)
	}
}

func TestActiveKeyHeldWhileSynthesizing(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{chunks: [][]byte{make([]byte, 100)}, stall: true}}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "A long sentence.", 1)
	eventually(t, func() bool {
		ok, _ := f.bus.Exists(f.ctx, broker.TTSActiveKey("conv-1"))
		return ok
	}, "tts-active key set")

	stop := protocol.Marshal(protocol.TTSControl{Command: protocol.CommandStopTTS, ConversationID: "conv-1"})
	if err := f.bus.Publish(f.ctx, broker.TTSControlChannel, stop); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		ok, _ := f.bus.Exists(f.ctx, broker.TTSActiveKey("conv-1"))
		return !ok
	}, "tts-active key release on stop")
}

func TestStopCommandInterruptsAndDropsQueue(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{stall: true}, {chunks: [][]byte{make([]byte, 10)}}}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "First sentence.", 1)
	f.publishSentence("conv-1", "Second sentence.", 2)
	eventually(t, func() bool { return engine.callCount() == 1 }, "first synthesis start")

	stop := protocol.Marshal(protocol.TTSControl{Command: protocol.CommandStopTTS, ConversationID: "conv-1"})
	if err := f.bus.Publish(f.ctx, broker.TTSControlChannel, stop); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		msgs := f.output("conv-1")
		if len(msgs) == 0 {
			return false
		}
		end, err := protocol.Decode[protocol.AudioStreamEnd](msgs[len(msgs)-1].Payload)
		return err == nil && end.Type == protocol.TypeAudioStreamEnd && end.Reason == protocol.StreamEndInterrupted
	}, "interrupted end envelope")

	// The queued second sentence must not start.
	time.Sleep(50 * time.Millisecond)
	if n := engine.callCount(); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
	interrupted := 0
	for _, m := range f.output("conv-1") {
		if !protocol.IsEnvelope(m.Payload) {
			continue
		}
		if end, err := protocol.Decode[protocol.AudioStreamEnd](m.Payload); err == nil &&
			end.Type == protocol.TypeAudioStreamEnd && end.Reason == protocol.StreamEndInterrupted {
			interrupted++
		}
	}
	if interrupted != 1 {
		t.Errorf("interrupted envelopes = %d, want exactly 1", interrupted)
	}
}

func TestBargeInInterrupts(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{stall: true}}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Streaming away.", 1)
	eventually(t, func() bool { return engine.callCount() == 1 }, "synthesis start")

	ev := protocol.Marshal(protocol.BargeIn{
		Type:           protocol.TypeBargeInDetected,
		ConversationID: "conv-1",
		TimestampMs:    protocol.NowMs(),
	})
	if err := f.bus.Publish(f.ctx, broker.BargeInChannel, ev); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		msgs := f.output("conv-1")
		if len(msgs) == 0 {
			return false
		}
		end, err := protocol.Decode[protocol.AudioStreamEnd](msgs[len(msgs)-1].Payload)
		return err == nil && end.Reason == protocol.StreamEndInterrupted
	}, "interrupted end envelope")
}

func TestDisconnectCancelsAndForgets(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{stall: true}}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Talking.", 1)
	eventually(t, func() bool { return engine.callCount() == 1 }, "synthesis start")

	ev := protocol.Marshal(protocol.ConnectionEvent{
		Type:           protocol.TypeClientDisconnected,
		ConversationID: "conv-1",
		Reason:         "client closed",
		TimestampMs:    protocol.NowMs(),
	})
	if err := f.bus.Publish(f.ctx, broker.ConnectionEventsChannel, ev); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return f.w.convs.Len() == 0 }, "conversation removal")
	eventually(t, func() bool {
		ok, _ := f.bus.Exists(f.ctx, broker.TTSActiveKey("conv-1"))
		return !ok
	}, "tts-active key release")
}

func TestRepeatedDisconnectIsHarmless(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{
		{stall: true},
		{chunks: [][]byte{make([]byte, 10)}},
	}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Talking.", 1)
	eventually(t, func() bool { return engine.callCount() == 1 }, "synthesis start")

	ev := protocol.Marshal(protocol.ConnectionEvent{
		Type:           protocol.TypeClientDisconnected,
		ConversationID: "conv-1",
		Reason:         "client closed",
		TimestampMs:    protocol.NowMs(),
	})
	for range 2 {
		if err := f.bus.Publish(f.ctx, broker.ConnectionEventsChannel, ev); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, func() bool { return f.w.convs.Len() == 0 }, "conversation removal")
	eventually(t, func() bool {
		ok, _ := f.bus.Exists(f.ctx, broker.TTSActiveKey("conv-1"))
		return !ok
	}, "tts-active key release")

	// The worker still serves the conversation if it comes back.
	f.publishSentence("conv-1", "Back again.", 1)
	eventually(t, func() bool { return engine.callCount() == 2 }, "synthesis after reconnect")
}

func TestSupersessionRestartsPlayback(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{
		{stall: true},
		{chunks: [][]byte{make([]byte, 10)}},
	}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Old response playing.", 5)
	eventually(t, func() bool { return engine.callCount() == 1 }, "first synthesis start")

	// A restarted sequence supersedes what is playing.
	f.publishSentence("conv-1", "New response.", 1)
	eventually(t, func() bool { return engine.callCount() == 2 }, "second synthesis start")

	eventually(t, func() bool {
		interrupted, natural := false, false
		for _, m := range f.output("conv-1") {
			if !protocol.IsEnvelope(m.Payload) {
				continue
			}
			end, err := protocol.Decode[protocol.AudioStreamEnd](m.Payload)
			if err != nil || end.Type != protocol.TypeAudioStreamEnd {
				continue
			}
			if end.Reason == protocol.StreamEndInterrupted {
				interrupted = true
			} else {
				natural = true
			}
		}
		return interrupted && natural
	}, "interrupted old stream and completed new stream")
}

func TestSentenceDuringCancelWindowSurvives(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{
		{stall: true},
		{chunks: [][]byte{make([]byte, 10)}},
	}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Old response.", 1)
	eventually(t, func() bool { return engine.callCount() == 1 }, "first synthesis start")

	c, ok := f.w.convs.Get("conv-1")
	if !ok {
		t.Fatal("conversation missing")
	}

	// Model a stop whose cleanup has not run yet when the next response's
	// first sentence lands: the queue holds the new sentence while the state
	// is still Cancelled.
	c.mu.Lock()
	c.queue = []protocol.SentenceRequest{{ConversationID: "conv-1", Text: "Next response.", Sequence: 1}}
	c.state = stateCancelled
	c.cancelActive()
	c.mu.Unlock()

	eventually(t, func() bool { return engine.callCount() == 2 }, "late sentence synthesized")
	eventually(t, func() bool {
		for _, m := range f.output("conv-1") {
			if !protocol.IsEnvelope(m.Payload) {
				continue
			}
			end, err := protocol.Decode[protocol.AudioStreamEnd](m.Payload)
			if err == nil && end.Type == protocol.TypeAudioStreamEnd && end.Reason == "" {
				return true
			}
		}
		return false
	}, "natural end for the late sentence")
}

func TestSentenceTimeoutReportsError(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{stall: true}}}
	f := startWorker(t, engine, func(w *Worker) { w.synthTimeout = 30 * time.Millisecond })

	f.publishSentence("conv-1", "Never finishes.", 1)
	eventually(t, func() bool {
		for _, m := range f.output("conv-1") {
			if !protocol.IsEnvelope(m.Payload) {
				continue
			}
			if ev, err := protocol.Decode[protocol.AudioStreamError](m.Payload); err == nil &&
				ev.Type == protocol.TypeAudioStreamError && strings.Contains(ev.Error, "timed out") {
				return true
			}
		}
		return false
	}, "timeout error envelope")
}

func TestStartFailureReportsError(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{steps: []fakeStep{{err: errors.New("voice unavailable")}}}
	f := startWorker(t, engine, nil)

	f.publishSentence("conv-1", "Hello.", 1)
	eventually(t, func() bool {
		for _, m := range f.output("conv-1") {
			if !protocol.IsEnvelope(m.Payload) {
				continue
			}
			if ev, err := protocol.Decode[protocol.AudioStreamError](m.Payload); err == nil &&
				ev.Type == protocol.TypeAudioStreamError && strings.Contains(ev.Error, "voice unavailable") {
				return true
			}
		}
		return false
	}, "error envelope")
}

func TestQueueOrdersBySequence(t *testing.T) {
	t.Parallel()
	c := &conversation{id: "conv-1", w: &Worker{}}
	c.state = stateSynthesizing // keep enqueue from starting the loop
	c.activeSeq = 0

	for _, seq := range []int64{3, 1, 2} {
		c.enqueue(context.Background(), protocol.SentenceRequest{ConversationID: "conv-1", Text: "x", Sequence: seq})
	}
	if len(c.queue) != 3 {
		t.Fatalf("queue length = %d", len(c.queue))
	}
	for i, want := range []int64{1, 2, 3} {
		if c.queue[i].Sequence != want {
			t.Errorf("queue[%d].Sequence = %d, want %d", i, c.queue[i].Sequence, want)
		}
	}
}

func TestVoiceResolution(t *testing.T) {
	t.Parallel()
	bus := brokermock.New()
	w := New(bus, &ttsmock.Provider{}, testConfig(), slog.Default())
	ctx := context.Background()

	if v := w.resolveVoice(ctx, "conv-1", "v-explicit"); v.ID != "v-explicit" {
		t.Errorf("explicit voice = %q", v.ID)
	}

	if err := bus.Set(ctx, broker.ConfigKey("conv-1"), []byte(`{"voice_id":"v-cfg"}`), 0); err != nil {
		t.Fatal(err)
	}
	if v := w.resolveVoice(ctx, "conv-1", ""); v.ID != "v-cfg" {
		t.Errorf("configured voice = %q", v.ID)
	}

	if v := w.resolveVoice(ctx, "conv-2", ""); v.ID != "voice-default" {
		t.Errorf("default voice = %q", v.ID)
	}
	if v := w.resolveVoice(ctx, "conv-2", ""); v.Provider != "test" {
		t.Errorf("voice provider = %q", v.Provider)
	}
}

func TestEngineVoicePassedThrough(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 10)}}
	f := startWorker(t, engine, nil)

	err := f.bus.Publish(f.ctx, broker.TTSRequestChannel, protocol.Marshal(protocol.SentenceRequest{
		ConversationID: "conv-1",
		Text:           "Hi.",
		VoiceID:        "v-req",
		Sequence:       1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(engine.Calls()) == 1 }, "synthesis call")
	if got := engine.Calls()[0].Voice.ID; got != "v-req" {
		t.Errorf("voice = %q, want v-req", got)
	}
}

func TestMalformedRequestsIgnored(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 10)}}
	f := startWorker(t, engine, nil)

	for _, payload := range [][]byte{
		[]byte("{not json"),
		protocol.Marshal(protocol.SentenceRequest{Text: "no conversation"}),
		protocol.Marshal(protocol.SentenceRequest{ConversationID: "conv-1"}),
	} {
		if err := f.bus.Publish(f.ctx, broker.TTSRequestChannel, payload); err != nil {
			t.Fatal(err)
		}
	}
	f.publishSentence("conv-1", "Valid.", 1)

	eventually(t, func() bool { return len(engine.Calls()) == 1 }, "valid synthesis call")
	time.Sleep(20 * time.Millisecond)
	if n := len(engine.Calls()); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
}
