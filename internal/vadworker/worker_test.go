package vadworker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	brokermock "github.com/parley-ai/parley/internal/broker/mock"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/protocol"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	vadmock "github.com/parley-ai/parley/pkg/provider/vad/mock"
	"github.com/parley-ai/parley/pkg/types"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.ASR.Language = "en"
	return cfg
}

type workerFixture struct {
	bus    *brokermock.Broker
	eng    *vadmock.Engine
	asr    *sttmock.Provider
	worker *Worker
	done   chan error
	cancel context.CancelFunc
}

// startWorker runs a worker against the in-memory broker and waits until its
// subscription is live before returning.
func startWorker(t *testing.T, eng *vadmock.Engine, asr *sttmock.Provider) *workerFixture {
	t.Helper()
	f := &workerFixture{
		bus:  brokermock.New(),
		eng:  eng,
		asr:  asr,
		done: make(chan error, 1),
	}
	f.worker = New(f.bus, f.eng, f.asr, testConfig(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.worker.Run(ctx) }()

	eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, "worker subscription")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return f
}

func (f *workerFixture) publishAudio(t *testing.T, id string, pcm []byte) {
	t.Helper()
	payload := protocol.Marshal(protocol.InboundAudio{
		Type:           protocol.TypeAudio,
		ConversationID: id,
		Audio:          pcm,
	})
	if err := f.bus.Publish(context.Background(), broker.AudioStreamChannel, payload); err != nil {
		t.Fatal(err)
	}
}

func (f *workerFixture) publishDisconnect(t *testing.T, id string) {
	t.Helper()
	payload := protocol.Marshal(protocol.ConnectionEvent{
		Type:           protocol.TypeClientDisconnected,
		ConversationID: id,
		Reason:         "client_closed",
		TimestampMs:    protocol.NowMs(),
	})
	if err := f.bus.Publish(context.Background(), broker.ConnectionEventsChannel, payload); err != nil {
		t.Fatal(err)
	}
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

func TestWorkerCreatesProcessorPerConversation(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{}
	asr := &sttmock.Provider{}
	f := startWorker(t, eng, asr)

	f.publishAudio(t, "conv-a", frame(32))
	f.publishAudio(t, "conv-a", frame(32))
	f.publishAudio(t, "conv-b", frame(32))

	eventually(t, func() bool { return eng.NewSessionCount() == 2 }, "two vad sessions")
	if got := asr.StartStreamCount(); got != 2 {
		t.Errorf("asr sessions = %d, want 2", got)
	}
	cfg := eng.NewSessionCalls[0].Cfg
	if cfg.SampleRate != 16000 {
		t.Errorf("vad sample rate = %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold != 0.5 {
		t.Errorf("vad speech threshold = %v", cfg.SpeechThreshold)
	}
	sttCfg := asr.StartStreamCalls[0].Cfg
	if sttCfg.SampleRate != 16000 || sttCfg.Channels != 1 || sttCfg.Language != "en" {
		t.Errorf("asr stream config = %+v", sttCfg)
	}
}

func TestWorkerDropsMalformedAudio(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{}
	asr := &sttmock.Provider{}
	f := startWorker(t, eng, asr)

	f.bus.Publish(context.Background(), broker.AudioStreamChannel, []byte("{not json"))
	payload := protocol.Marshal(protocol.InboundAudio{Type: protocol.TypeAudio, Audio: frame(32)})
	f.bus.Publish(context.Background(), broker.AudioStreamChannel, payload) // missing conversation_id

	// A valid frame after the bad ones proves both were skipped.
	f.publishAudio(t, "conv-a", frame(32))
	eventually(t, func() bool { return eng.NewSessionCount() == 1 }, "one vad session")
}

func TestWorkerClosesSessionsOnDisconnect(t *testing.T) {
	t.Parallel()
	vadSess := &vadmock.Session{}
	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	eng := &vadmock.Engine{Session: vadSess}
	asr := &sttmock.Provider{Session: sttSess}
	f := startWorker(t, eng, asr)

	f.publishAudio(t, "conv-a", frame(32))
	eventually(t, func() bool { return eng.NewSessionCount() == 1 }, "processor creation")

	f.publishDisconnect(t, "conv-a")
	eventually(t, func() bool { return sttSess.CloseCount() >= 1 }, "asr session close")
	if got := vadSess.CloseCount(); got < 1 {
		t.Errorf("vad close calls = %d, want >= 1", got)
	}

	// A disconnect for an unknown conversation is a no-op.
	f.publishDisconnect(t, "conv-unknown")
	time.Sleep(20 * time.Millisecond)
	if got := sttSess.CloseCount(); got != 1 {
		t.Errorf("asr close calls after unknown disconnect = %d, want 1", got)
	}
}

func TestWorkerReapsIdleProcessors(t *testing.T) {
	t.Parallel()
	vadSess := &vadmock.Session{}
	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	eng := &vadmock.Engine{Session: vadSess}
	asr := &sttmock.Provider{Session: sttSess}

	bus := brokermock.New()
	w := New(bus, eng, asr, testConfig(), slog.Default())
	w.idleTimeout = time.Millisecond
	w.reapInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, func() bool { return bus.SubscriberCount() == 1 }, "worker subscription")

	payload := protocol.Marshal(protocol.InboundAudio{
		Type:           protocol.TypeAudio,
		ConversationID: "conv-a",
		Audio:          frame(32),
	})
	if err := bus.Publish(ctx, broker.AudioStreamChannel, payload); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return sttSess.CloseCount() >= 1 }, "idle reap")
	if w.procs.Len() != 0 {
		t.Errorf("registry still holds %d processors", w.procs.Len())
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := startWorker(t, &vadmock.Engine{}, &sttmock.Provider{})

	f.cancel()
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
		f.done <- nil // keep the cleanup select satisfied
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
