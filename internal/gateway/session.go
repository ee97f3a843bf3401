package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
)

const (
	// writeTimeout bounds a single socket write so one stalled client cannot
	// wedge a forwarder.
	writeTimeout = 5 * time.Second

	// audioQueueDepth is the inbound publish queue; at 4096-byte client
	// chunks this is roughly eight seconds of audio.
	audioQueueDepth = 64
)

// errClientClosed marks a session ending because the client went away.
var errClientClosed = errors.New("gateway: client closed")

// session is the per-socket actor. Its duties run under one errgroup: the
// socket read loop, the audio publish pump, the shared-channel forwarder,
// and the per-conversation audio forwarder. Any duty failing tears the
// session down.
type session struct {
	id   string
	conn *websocket.Conn
	bus  broker.Broker
	met  *observe.Metrics
	log  *slog.Logger

	writeMu sync.Mutex
	audioQ  chan []byte
}

func newSession(id string, conn *websocket.Conn, bus broker.Broker, met *observe.Metrics, log *slog.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		bus:    bus,
		met:    met,
		log:    log,
		audioQ: make(chan []byte, audioQueueDepth),
	}
}

// run drives the session until the socket closes, a duty fails, or ctx is
// cancelled. It always publishes a client_disconnected record with the exit
// reason.
func (s *session) run(ctx context.Context) {
	shared, err := s.bus.Subscribe(ctx,
		broker.TranscriptChannel,
		broker.LLMTokenChannel,
		broker.LLMToolCallChannel,
		broker.ClientToolRequestChannel,
		broker.BargeInChannel,
	)
	if err != nil {
		s.teardown(ctx, fmt.Errorf("subscribe: %w", err))
		return
	}
	defer shared.Close()

	audioOut, err := s.bus.Subscribe(ctx, broker.AudioOutputChannel(s.id))
	if err != nil {
		s.teardown(ctx, fmt.Errorf("subscribe: %w", err))
		return
	}
	defer audioOut.Close()

	started := protocol.Marshal(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		Event:          protocol.EventConversationStarted,
		ConversationID: s.id,
	})
	if err := s.write(ctx, websocket.MessageText, started); err != nil {
		s.teardown(ctx, errClientClosed)
		return
	}
	s.log.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.audioPump(gctx) })
	g.Go(func() error { return s.forwardShared(gctx, shared) })
	g.Go(func() error { return s.forwardAudio(gctx, audioOut) })

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ctx.Err()
	}
	s.teardown(ctx, err)
}

// teardown closes the socket with a status matching the exit cause and
// publishes the disconnect record so the workers release the conversation.
func (s *session) teardown(ctx context.Context, cause error) {
	reason := "client_closed"
	status, msg := websocket.StatusNormalClosure, ""
	switch {
	case errors.Is(cause, errClientClosed):
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		reason = "shutdown"
		status, msg = websocket.StatusGoingAway, "server shutting down"
	case cause != nil:
		reason = "server_error"
		status, msg = websocket.StatusInternalError, "internal error"
		s.log.Error("session failed", "error", cause)
	}
	_ = s.conn.Close(status, msg)

	bg := context.WithoutCancel(ctx)
	record := protocol.Marshal(protocol.ConnectionEvent{
		Type:           protocol.TypeClientDisconnected,
		ConversationID: s.id,
		Reason:         reason,
		TimestampMs:    protocol.NowMs(),
	})
	if err := s.bus.Publish(bg, broker.ConnectionEventsChannel, record); err != nil {
		s.log.Error("disconnect publish failed", "error", err)
	}
	s.log.Info("session ended", "reason", reason)
}

// readLoop consumes socket frames: binary frames are queued for the audio
// pump, text frames are client control messages.
func (s *session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errClientClosed
		}
		switch typ {
		case websocket.MessageBinary:
			if len(data) == 0 {
				continue
			}
			s.enqueueAudio(ctx, data)
		case websocket.MessageText:
			if err := s.handleControl(ctx, data); err != nil {
				return err
			}
		}
	}
}

// enqueueAudio adds a frame to the publish queue, dropping the oldest queued
// frame when full so the socket read loop never blocks on the broker.
func (s *session) enqueueAudio(ctx context.Context, chunk []byte) {
	for {
		select {
		case s.audioQ <- chunk:
			return
		default:
		}
		select {
		case <-s.audioQ:
			s.met.RecordDroppedFrame(ctx, "gateway")
		default:
		}
	}
}

// audioPump publishes queued mic frames wrapped in the inbound audio
// envelope.
func (s *session) audioPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.audioQ:
			payload := protocol.Marshal(protocol.InboundAudio{
				Type:           protocol.TypeAudio,
				ConversationID: s.id,
				Audio:          chunk,
			})
			if err := s.bus.Publish(ctx, broker.AudioStreamChannel, payload); err != nil {
				return fmt.Errorf("publish audio: %w", err)
			}
		}
	}
}

// handleControl parses a client text frame and publishes it on the matching
// broker channel. The conversation id is always the session's own; whatever
// the client sent is overwritten.
func (s *session) handleControl(ctx context.Context, data []byte) error {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.log.Debug("dropping client message", "error", err)
		return nil
	}
	switch m := msg.(type) {
	case *protocol.ClientCapabilities:
		m.Type = protocol.TypeClientCapabilities
		m.ConversationID = s.id
		if err := s.bus.Publish(ctx, broker.ClientCapabilitiesChannel, protocol.Marshal(m)); err != nil {
			return fmt.Errorf("publish capabilities: %w", err)
		}
		s.log.Info("client capabilities registered", "tools", len(m.Capabilities))
	case *protocol.ClientToolResponse:
		m.Type = protocol.TypeToolResponse
		m.ConversationID = s.id
		if err := s.bus.Publish(ctx, broker.ClientToolResponseChannel, protocol.Marshal(m)); err != nil {
			return fmt.Errorf("publish tool response: %w", err)
		}
	}
	return nil
}

// convProbe extracts the fields needed to filter shared-channel traffic.
type convProbe struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// forwardShared relays this conversation's transcript, token, tool, and
// barge-in traffic to the client. Barge-in signals are rewritten to the
// client-facing notification type.
func (s *session) forwardShared(ctx context.Context, sub broker.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("gateway: subscription closed")
			}
			probe, err := protocol.Decode[convProbe](msg.Payload)
			if err != nil || probe.ConversationID != s.id {
				continue
			}
			payload := msg.Payload
			if msg.Channel == broker.BargeInChannel {
				if probe.Type != protocol.TypeBargeInDetected {
					continue
				}
				ev, err := protocol.Decode[protocol.BargeIn](msg.Payload)
				if err != nil {
					continue
				}
				ev.Type = protocol.TypeBargeInNotification
				payload = protocol.Marshal(ev)
			}
			if err := s.write(ctx, websocket.MessageText, payload); err != nil {
				return errClientClosed
			}
		}
	}
}

// forwardAudio relays the conversation's synthesized audio verbatim and in
// order: JSON envelopes as text frames, PCM chunks as binary frames.
func (s *session) forwardAudio(ctx context.Context, sub broker.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("gateway: subscription closed")
			}
			typ := websocket.MessageBinary
			if protocol.IsEnvelope(msg.Payload) {
				typ = websocket.MessageText
			}
			if err := s.write(ctx, typ, msg.Payload); err != nil {
				return errClientClosed
			}
		}
	}
}

// write serializes socket writes across the forwarders and the session
// opener.
func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, typ, data)
}
