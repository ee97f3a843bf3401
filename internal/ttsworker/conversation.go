package ttsworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/audio"
)

// convoState is the per-conversation synthesis state.
type convoState int

const (
	stateIdle convoState = iota
	stateSynthesizing
	stateCancelled
)

// conversation serializes one conversation's sentence queue and synthesis
// state behind a mutex. Sentences play strictly in sequence order; cancel
// clears the queue and interrupts the active synthesis.
type conversation struct {
	id string
	w  *Worker

	mu           sync.Mutex
	state        convoState
	queue        []protocol.SentenceRequest
	cancelActive context.CancelFunc
	activeSeq    int64
}

// enqueue inserts a sentence request in sequence order and starts the
// playback loop when idle. A request that restarts the sequence while a later
// sentence is playing supersedes it: the active synthesis is cancelled and
// the stale queue dropped.
func (c *conversation) enqueue(ctx context.Context, req protocol.SentenceRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateSynthesizing && req.Sequence <= c.activeSeq && c.cancelActive != nil {
		c.queue = nil
		c.cancelActive()
	}

	i := len(c.queue)
	for i > 0 && c.queue[i-1].Sequence > req.Sequence {
		i--
	}
	c.queue = append(c.queue, protocol.SentenceRequest{})
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = req

	if c.state == stateIdle {
		c.state = stateSynthesizing
		c.w.wg.Add(1)
		go c.run(ctx)
	}
}

// stop cancels the active synthesis and drops all queued sentences. The
// playback loop performs the cleanup; when already idle there is nothing to
// clean up.
func (c *conversation) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = nil
	if c.state != stateSynthesizing {
		return
	}
	c.state = stateCancelled
	if c.cancelActive != nil {
		c.cancelActive()
	}
}

// run is the playback loop: it pops sentences in order until the queue
// empties or the conversation is cancelled, then clears the active flag.
func (c *conversation) run(ctx context.Context) {
	defer c.w.wg.Done()

	for {
		c.mu.Lock()
		// A sentence that arrived after the cancel belongs to the next
		// response; revive the loop for it instead of wiping it.
		if c.state == stateCancelled && ctx.Err() == nil && len(c.queue) > 0 {
			c.state = stateSynthesizing
		}
		if ctx.Err() != nil || c.state == stateCancelled || len(c.queue) == 0 {
			c.queue = nil
			c.state = stateIdle
			c.cancelActive = nil
			c.mu.Unlock()
			c.w.clearActive(context.WithoutCancel(ctx), c.id)
			return
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		sctx, cancel := context.WithTimeout(ctx, c.w.synthTimeout)
		c.cancelActive = cancel
		c.activeSeq = req.Sequence
		c.mu.Unlock()

		c.w.synthesize(sctx, c.id, req)
		cancel()
	}
}

// synthesize plays one sentence: active flag, start envelope, PCM chunks,
// end envelope. Cancellation ends the stream with reason "interrupted";
// hitting the per-sentence timeout reports an audio_stream_error instead.
func (w *Worker) synthesize(ctx context.Context, id string, req protocol.SentenceRequest) {
	out := broker.AudioOutputChannel(id)
	log := w.log.With("conversation_id", id, "sequence", req.Sequence)

	w.met.ActiveSyntheses.Add(ctx, 1)
	defer w.met.ActiveSyntheses.Add(context.WithoutCancel(ctx), -1)
	started := time.Now()

	if err := w.bus.Set(ctx, broker.TTSActiveKey(id), []byte("1"), broker.TTSActiveTTL); err != nil {
		log.Warn("tts-active set failed", "error", err)
	}
	w.publish(ctx, out, protocol.Marshal(protocol.AudioStreamStart{
		Type:           protocol.TypeAudioStreamStart,
		ConversationID: id,
		Format:         protocol.AudioFormatPCM16,
		SampleRate:     audio.SampleRate,
		Channels:       audio.Channels,
	}))

	text := make(chan string, 1)
	text <- req.Text
	close(text)

	voice := w.resolveVoice(ctx, id, req.VoiceID)
	stream, err := w.engine.SynthesizeStream(ctx, text, voice)
	if err != nil {
		log.Error("synthesis start failed", "error", err)
		w.met.RecordProviderError(ctx, w.providerName, "tts")
		w.publish(ctx, out, protocol.Marshal(protocol.AudioStreamError{
			Type:           protocol.TypeAudioStreamError,
			ConversationID: id,
			Error:          err.Error(),
		}))
		return
	}

	rate := w.engine.SampleRate()
	refresh := time.NewTicker(broker.TTSActiveRefresh)
	defer refresh.Stop()

	var pending []byte
	chunkCount := 0
	firstChunk := true

	emit := func(chunk []byte) {
		if firstChunk {
			firstChunk = false
			w.met.FirstAudioLatency.Record(ctx, time.Since(started).Seconds())
		}
		w.publish(ctx, out, chunk)
		chunkCount++
	}

	for {
		select {
		case pcm, ok := <-stream:
			if !ok {
				for _, chunk := range audio.Chunks(pending, audio.MaxChunkBytes) {
					emit(chunk)
				}
				w.publish(ctx, out, protocol.Marshal(protocol.AudioStreamEnd{
					Type:           protocol.TypeAudioStreamEnd,
					ConversationID: id,
					ChunkCount:     chunkCount,
				}))
				w.met.TTSDuration.Record(ctx, time.Since(started).Seconds())
				w.met.RecordProviderRequest(ctx, w.providerName, "tts", "ok")
				return
			}
			if rate != audio.SampleRate {
				pcm = audio.Resample16(pcm, rate, audio.SampleRate)
			}
			pending = append(pending, pcm...)
			for len(pending) >= audio.MaxChunkBytes {
				emit(pending[:audio.MaxChunkBytes])
				pending = pending[audio.MaxChunkBytes:]
			}

		case <-refresh.C:
			if _, err := w.bus.Refresh(ctx, broker.TTSActiveKey(id), broker.TTSActiveTTL); err != nil {
				log.Warn("tts-active refresh failed", "error", err)
			}

		case <-ctx.Done():
			// The provider closes its channel on cancellation; drain so its
			// goroutines unblock.
			go func() {
				for range stream {
				}
			}()
			bg := context.WithoutCancel(ctx)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Error("synthesis timed out")
				w.met.RecordProviderError(bg, w.providerName, "tts")
				w.publish(bg, out, protocol.Marshal(protocol.AudioStreamError{
					Type:           protocol.TypeAudioStreamError,
					ConversationID: id,
					Error:          "synthesis timed out",
				}))
				return
			}
			w.publish(bg, out, protocol.Marshal(protocol.AudioStreamEnd{
				Type:           protocol.TypeAudioStreamEnd,
				ConversationID: id,
				Reason:         protocol.StreamEndInterrupted,
			}))
			log.Info("synthesis interrupted")
			return
		}
	}
}
