// Package toolrouter dispatches LLM tool calls to their implementations:
// in-process built-ins, external MCP servers, and tools the client registered
// for its conversation via client_capabilities.
//
// Server-side tools are shared across conversations; client-side tools are
// scoped to the conversation that declared them. Client calls travel over the
// broker as tool_request / tool_response pairs correlated by a fresh UUID,
// with at most one result accepted per request.
package toolrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/pkg/types"
)

// Handler is an in-process tool implementation. args is a JSON object string;
// a returned error marks the call failed.
type Handler func(ctx context.Context, args string) (string, error)

// serverTool is one entry of the shared registry. Exactly one of run and
// serverName is set: run for built-ins, serverName for MCP tools.
type serverTool struct {
	def        types.ToolDefinition
	schema     *jsonschema.Schema
	run        Handler
	serverName string
}

// clientTool is one conversation-scoped tool declared by the client.
type clientTool struct {
	def    types.ToolDefinition
	schema *jsonschema.Schema
}

// Router routes tool calls by name. Safe for concurrent use.
type Router struct {
	log     *slog.Logger
	bus     broker.Broker
	met     *observe.Metrics
	timeout time.Duration

	mu       sync.RWMutex
	server   map[string]serverTool
	client   map[string]map[string]clientTool
	sessions map[string]*mcpsdk.ClientSession
	pending  map[string]chan protocol.ClientToolResponse

	mcpClient *mcpsdk.Client
}

// New creates a router with an empty registry. timeout bounds each client
// tool round trip.
func New(bus broker.Broker, timeout time.Duration, log *slog.Logger) *Router {
	return &Router{
		log:       log,
		bus:       bus,
		met:       observe.DefaultMetrics(),
		timeout:   timeout,
		server:    make(map[string]serverTool),
		client:    make(map[string]map[string]clientTool),
		sessions:  make(map[string]*mcpsdk.ClientSession),
		pending:   make(map[string]chan protocol.ClientToolResponse),
		mcpClient: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parley-orchestrator", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterBuiltin adds an in-process tool to the shared registry, replacing
// any previous tool of the same name.
func (r *Router) RegisterBuiltin(def types.ToolDefinition, fn Handler) error {
	if def.Name == "" {
		return fmt.Errorf("toolrouter: builtin tool must have a name")
	}
	if fn == nil {
		return fmt.Errorf("toolrouter: builtin tool %q must have a handler", def.Name)
	}
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("toolrouter: builtin tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.server[def.Name] = serverTool{def: def, schema: schema, run: fn}
	return nil
}

// ConnectServer connects to one MCP server and imports its tool catalog into
// the shared registry. Reconnecting under the same name replaces the previous
// connection and its tools.
func (r *Router) ConnectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolrouter: mcp server must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("toolrouter: mcp server %q: stdio transport requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolrouter: mcp server %q: streamable-http transport requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("toolrouter: mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := r.mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolrouter: connect mcp server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolrouter: list tools of mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range r.server {
			if t.serverName == cfg.Name {
				delete(r.server, name)
			}
		}
	}
	r.sessions[cfg.Name] = session

	for _, t := range discovered {
		params := schemaToMap(t.InputSchema)
		schema, err := compileSchema(params)
		if err != nil {
			r.log.Warn("mcp tool schema does not compile; accepting any arguments",
				"server", cfg.Name, "tool", t.Name, "error", err)
		}
		r.server[t.Name] = serverTool{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
			schema:     schema,
			serverName: cfg.Name,
		}
	}
	r.log.Info("mcp server connected", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// SetClientCatalog replaces the conversation's client-side tool catalog.
// Tools whose declared schema does not compile are skipped.
func (r *Router) SetClientCatalog(caps protocol.ClientCapabilities) {
	tools := make(map[string]clientTool, len(caps.Capabilities))
	for name, s := range caps.Capabilities {
		var params map[string]any
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &params); err != nil {
				r.log.Warn("skipping client tool with malformed parameters",
					"conversation_id", caps.ConversationID, "tool", name, "error", err)
				continue
			}
		}
		schema, err := compileSchema(params)
		if err != nil {
			r.log.Warn("skipping client tool with invalid schema",
				"conversation_id", caps.ConversationID, "tool", name, "error", err)
			continue
		}
		tools[name] = clientTool{
			def: types.ToolDefinition{
				Name:        name,
				Description: s.Description,
				Parameters:  params,
			},
			schema: schema,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.client[caps.ConversationID] = tools
	r.log.Info("client tool catalog registered",
		"conversation_id", caps.ConversationID, "client_id", caps.ClientID, "tools", len(tools))
}

// RemoveClient drops the conversation's client tool catalog.
func (r *Router) RemoveClient(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.client, conversationID)
}

// Definitions returns all tools callable from the conversation, sorted by
// name. Client tools shadow server tools of the same name.
func (r *Router) Definitions(conversationID string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]types.ToolDefinition, len(r.server))
	for name, t := range r.server {
		byName[name] = t.def
	}
	for name, t := range r.client[conversationID] {
		byName[name] = t.def
	}

	out := make([]types.ToolDefinition, 0, len(byName))
	for _, def := range byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates the call's arguments and executes it, returning the
// tool's textual result. Client tools take precedence over server tools of
// the same name.
func (r *Router) Dispatch(ctx context.Context, conversationID string, call types.ToolCall) (string, error) {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	r.mu.RLock()
	ct, isClient := r.client[conversationID][call.Name]
	st, isServer := r.server[call.Name]
	r.mu.RUnlock()

	var schema *jsonschema.Schema
	source := ""
	switch {
	case isClient:
		schema, source = ct.schema, "client"
	case isServer:
		schema, source = st.schema, "server"
		if st.serverName != "" {
			source = "mcp"
		}
	default:
		r.met.RecordToolCall(ctx, call.Name, "unknown", "failed")
		return "", fmt.Errorf("toolrouter: tool %q not found", call.Name)
	}

	if err := validateArgs(schema, args); err != nil {
		r.met.RecordToolCall(ctx, call.Name, source, "failed")
		return "", fmt.Errorf("toolrouter: tool %q arguments rejected: %w", call.Name, err)
	}

	start := time.Now()
	var result string
	var err error
	if isClient {
		result, err = r.dispatchClient(ctx, conversationID, call.Name, args)
	} else if st.run != nil {
		result, err = st.run(ctx, args)
	} else {
		result, err = r.dispatchMCP(ctx, st, args)
	}
	r.met.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", call.Name), observe.Attr("source", source)))

	status := "ok"
	if err != nil {
		status = "failed"
	}
	r.met.RecordToolCall(ctx, call.Name, source, status)
	return result, err
}

// dispatchClient publishes a tool_request and waits for the correlated
// response. The pending entry is removed on first delivery, so a late or
// duplicate response is dropped.
func (r *Router) dispatchClient(ctx context.Context, conversationID, name, args string) (string, error) {
	callID := uuid.NewString()
	ch := make(chan protocol.ClientToolResponse, 1)

	r.mu.Lock()
	r.pending[callID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, callID)
		r.mu.Unlock()
	}()

	payload := protocol.Marshal(protocol.ClientToolRequest{
		Type:           protocol.TypeToolRequest,
		ConversationID: conversationID,
		ToolCallID:     callID,
		ToolName:       name,
		Arguments:      json.RawMessage(args),
		TimeoutMs:      r.timeout.Milliseconds(),
	})
	if err := r.bus.Publish(ctx, broker.ClientToolRequestChannel, payload); err != nil {
		return "", fmt.Errorf("toolrouter: publish tool request: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.Success {
			return "", fmt.Errorf("toolrouter: client tool %q failed: %s", name, string(resp.Result))
		}
		return string(resp.Result), nil
	case <-timer.C:
		return "", fmt.Errorf("toolrouter: client tool %q timed out after %s", name, r.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// dispatchMCP routes the call to the tool's server session and concatenates
// the textual content of the result.
func (r *Router) dispatchMCP(ctx context.Context, st serverTool, args string) (string, error) {
	r.mu.RLock()
	session, ok := r.sessions[st.serverName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolrouter: mcp server %q not connected for tool %q", st.serverName, st.def.Name)
	}

	var argsMap map[string]any
	if args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("toolrouter: tool %q arguments are not a JSON object: %w", st.def.Name, err)
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: st.def.Name, Arguments: argsMap})
	if err != nil {
		return "", fmt.Errorf("toolrouter: mcp tool %q: %w", st.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("toolrouter: mcp tool %q reported an error: %s", st.def.Name, sb.String())
	}
	return sb.String(), nil
}

// HandleResponse delivers a client tool response to the waiter correlated by
// ToolCallID. Unknown or already-served IDs are dropped.
func (r *Router) HandleResponse(resp protocol.ClientToolResponse) {
	r.mu.Lock()
	ch, ok := r.pending[resp.ToolCallID]
	if ok {
		delete(r.pending, resp.ToolCallID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("dropping uncorrelated tool response", "tool_call_id", resp.ToolCallID)
		return
	}
	ch <- resp
}

// Close shuts down all MCP server sessions.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, s := range r.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolrouter: close mcp server %q: %w", name, err)
		}
		delete(r.sessions, name)
	}
	return firstErr
}

// ---- schema helpers ----

// compileSchema builds a validator from a tool's declared JSON Schema. A nil
// parameter map compiles to nil, which accepts any arguments.
func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	return c.Compile("tool.json")
}

func validateArgs(schema *jsonschema.Schema, args string) error {
	if schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(inst)
}

// schemaToMap normalises an SDK schema value into a plain map, defaulting to
// an unconstrained object.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
