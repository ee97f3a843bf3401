package toolrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	brokermock "github.com/parley-ai/parley/internal/broker/mock"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/types"
)

func newTestRouter(timeout time.Duration) (*Router, *brokermock.Broker) {
	bus := brokermock.New()
	return New(bus, timeout, slog.Default()), bus
}

func echoDef() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
	}
}

func TestDispatchBuiltin(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)

	err := r.RegisterBuiltin(echoDef(), func(_ context.Context, args string) (string, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return "", err
		}
		return in.Text, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchRejectsInvalidArguments(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)
	if err := r.RegisterBuiltin(echoDef(), func(context.Context, string) (string, error) {
		t.Error("handler ran despite invalid arguments")
		return "", nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"text":42}`,
	})
	if err == nil || !strings.Contains(err.Error(), "arguments rejected") {
		t.Errorf("err = %v, want schema rejection", err)
	}

	_, err = r.Dispatch(context.Background(), "conv-1", types.ToolCall{
		ID: "c2", Name: "echo", Arguments: `{}`,
	})
	if err == nil {
		t.Error("missing required property accepted")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)
	_, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{ID: "c1", Name: "nope"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestClientCatalogLifecycle(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)

	r.SetClientCatalog(protocol.ClientCapabilities{
		Type:           protocol.TypeClientCapabilities,
		ConversationID: "conv-1",
		ClientID:       "web-1",
		Capabilities: map[string]protocol.ToolSchema{
			"set_volume": {
				Description: "sets playback volume",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"level":{"type":"number"}}}`),
			},
		},
	})

	defs := r.Definitions("conv-1")
	if len(defs) != 1 || defs[0].Name != "set_volume" {
		t.Fatalf("definitions = %+v", defs)
	}
	if len(r.Definitions("conv-2")) != 0 {
		t.Error("client tool leaked to another conversation")
	}

	r.RemoveClient("conv-1")
	if len(r.Definitions("conv-1")) != 0 {
		t.Error("catalog survived RemoveClient")
	}
}

func TestClientCatalogSkipsInvalidSchema(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)

	r.SetClientCatalog(protocol.ClientCapabilities{
		ConversationID: "conv-1",
		Capabilities: map[string]protocol.ToolSchema{
			"bad":  {Parameters: json.RawMessage(`{"type":["not","a","schema"`)},
			"good": {Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	defs := r.Definitions("conv-1")
	if len(defs) != 1 || defs[0].Name != "good" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestDispatchClientRoundTrip(t *testing.T) {
	t.Parallel()
	r, bus := newTestRouter(2 * time.Second)
	r.SetClientCatalog(protocol.ClientCapabilities{
		ConversationID: "conv-1",
		Capabilities: map[string]protocol.ToolSchema{
			"set_volume": {Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})

	type dispatchResult struct {
		out string
		err error
	}
	done := make(chan dispatchResult, 1)
	go func() {
		out, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{
			ID: "llm-1", Name: "set_volume", Arguments: `{"level":5}`,
		})
		done <- dispatchResult{out, err}
	}()

	req := waitToolRequest(t, bus)
	if req.ToolName != "set_volume" || req.ConversationID != "conv-1" {
		t.Fatalf("request = %+v", req)
	}
	if req.ToolCallID == "" || req.ToolCallID == "llm-1" {
		t.Fatalf("tool_call_id = %q, want a fresh id", req.ToolCallID)
	}

	r.HandleResponse(protocol.ClientToolResponse{
		Type:       protocol.TypeToolResponse,
		ToolCallID: req.ToolCallID,
		Success:    true,
		Result:     json.RawMessage(`{"ok":true}`),
	})
	// A duplicate response must be dropped without blocking.
	r.HandleResponse(protocol.ClientToolResponse{ToolCallID: req.ToolCallID, Success: true})

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.out != `{"ok":true}` {
		t.Errorf("result = %q", res.out)
	}
}

func TestDispatchClientFailure(t *testing.T) {
	t.Parallel()
	r, bus := newTestRouter(2 * time.Second)
	r.SetClientCatalog(protocol.ClientCapabilities{
		ConversationID: "conv-1",
		Capabilities:   map[string]protocol.ToolSchema{"beep": {}},
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{ID: "c", Name: "beep"})
		done <- err
	}()

	req := waitToolRequest(t, bus)
	r.HandleResponse(protocol.ClientToolResponse{
		ToolCallID: req.ToolCallID,
		Success:    false,
		Result:     json.RawMessage(`"device muted"`),
	})

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "device muted") {
		t.Errorf("err = %v", err)
	}
}

func TestDispatchClientTimeout(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(50 * time.Millisecond)
	r.SetClientCatalog(protocol.ClientCapabilities{
		ConversationID: "conv-1",
		Capabilities:   map[string]protocol.ToolSchema{"beep": {}},
	})

	_, err := r.Dispatch(context.Background(), "conv-1", types.ToolCall{ID: "c", Name: "beep"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v", err)
	}
}

func TestHandleResponseUncorrelated(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(time.Second)
	r.HandleResponse(protocol.ClientToolResponse{ToolCallID: "ghost"})
}

func waitToolRequest(t *testing.T, bus *brokermock.Broker) protocol.ClientToolRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := bus.PublishedOn(broker.ClientToolRequestChannel)
		if len(msgs) > 0 {
			req, err := protocol.Decode[protocol.ClientToolRequest](msgs[0].Payload)
			if err != nil {
				t.Fatal(err)
			}
			return req
		}
		if time.Now().After(deadline) {
			t.Fatal("no tool request published")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
