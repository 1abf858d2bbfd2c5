package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// State is the lifecycle state of a client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateServing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errNotConnected = errors.New("client not connected")

// ClientOptions configures a Client.
type ClientOptions struct {
	ClientInfo Implementation
	Logger     logging.Logger
	// RequestTimeout bounds each request when the caller's context has no
	// earlier deadline. Zero disables it.
	RequestTimeout time.Duration
}

// Client is a JSON-RPC client for one remote tool server.
type Client struct {
	name      string
	transport Transport
	opts      ClientOptions
	logger    logging.Logger
	ids       idGenerator

	mu       sync.Mutex
	state    State
	inFlight int
	pending  map[int64]chan *Response
	info     *InitializeResult
	readDone chan struct{}
}

// NewClient creates a client for server name over transport.
func NewClient(name string, transport Transport, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		ClientInfo: Implementation{Name: "taskmesh", Version: "0.1.0"},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Client{
		name:      name,
		transport: transport,
		opts:      opts,
		logger:    logging.OrNoOp(opts.Logger),
		pending:   make(map[int64]chan *Response),
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the initialize result, or nil before the handshake.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("mcp.client.state", "server", c.name, "from", prev.String(), "to", s.String())
	}
}

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.readDone != nil {
		c.mu.Unlock()
		return fmt.Errorf("client %s already connected", c.name)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.transport.Start(ctx); err != nil {
		c.setState(StateDisconnected)
		_ = c.transport.Close()
		return &core.RemoteServerUnavailableError{Server: c.name, Err: err}
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.readDone = readDone
	c.mu.Unlock()
	go c.readLoop(readDone)

	c.setState(StateHandshaking)

	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.opts.ClientInfo,
	})
	if err != nil {
		_ = c.Close()
		return &core.RemoteServerUnavailableError{Server: c.name, Err: fmt.Errorf("initialize handshake failed: %w", err)}
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = c.Close()
		return &core.RemoteServerUnavailableError{Server: c.name, Err: fmt.Errorf("failed to parse initialize result: %w", err)}
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("mcp.client.protocol_mismatch", "server", c.name, "client", ProtocolVersion, "remote", result.ProtocolVersion)
	}

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		_ = c.Close()
		return &core.RemoteServerUnavailableError{Server: c.name, Err: err}
	}

	c.mu.Lock()
	c.info = &result
	if c.state == StateHandshaking {
		c.state = StateReady
	}
	c.mu.Unlock()

	c.logger.Info("mcp.client.ready", "server", c.name, "remote", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// ListTools returns the server's full tool catalogue, following cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var (
		tools  []ToolInfo
		cursor string
	)
	for page := 0; page < 100; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list failed: %w", err)
		}

		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("failed to parse tools list: %w", err)
		}
		tools = append(tools, res.Tools...)

		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}

	c.logger.Debug("mcp.client.tools", "server", c.name, "count", len(tools))
	return tools, nil
}

// CallTool invokes a remote tool. The client is in the Serving state while
// at least one call is outstanding.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	c.beginCall()
	defer c.endCall()

	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}

	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &res, nil
}

func (c *Client) beginCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	if c.state == StateReady {
		c.state = StateServing
	}
}

func (c *Client) endCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.inFlight == 0 && c.state == StateServing {
		c.state = StateReady
	}
}

// call sends a request and waits for the correlated response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.ids.next()
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil, &core.RemoteServerUnavailableError{Server: c.name, Err: errNotConnected}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	c.logger.Debug("mcp.client.request", "server", c.name, "method", method, "id", id)

	if err := c.transport.Send(ctx, data); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewTransientError("mcp "+method, fmt.Errorf("server %s: %w", c.name, err))
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, core.NewTransientError("mcp "+method, fmt.Errorf("server %s: connection lost: %w", c.name, c.lostCause()))
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s cancelled: %w", method, ctx.Err())
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return c.transport.Send(ctx, data)
}

func (c *Client) lostCause() error {
	if err := c.transport.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for msg := range c.transport.Receive() {
		c.handle(msg)
	}

	cause := c.lostCause()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if wasConnected {
		c.logger.Warn("mcp.client.disconnected", "server", c.name, "pending", len(pending), "error", cause.Error())
	}
}

func (c *Client) handle(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Warn("mcp.client.malformed", "server", c.name, "error", err.Error())
		return
	}

	switch {
	case env.isResponse():
		id, ok := parseID(env.ID)
		if !ok {
			c.logger.Warn("mcp.client.bad_id", "server", c.name, "id", string(env.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("mcp.client.unmatched", "server", c.name, "id", id)
			return
		}
		ch <- &Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error}
	case env.isRequest():
		c.reply(env)
	default:
		c.logger.Debug("mcp.client.notification", "server", c.name, "method", env.Method)
	}
}

// reply answers server-initiated requests. Only ping is supported.
func (c *Client) reply(env envelope) {
	resp := map[string]any{"jsonrpc": JSONRPCVersion, "id": env.ID}
	if env.Method == "ping" {
		resp["result"] = map[string]any{}
	} else {
		resp["error"] = &RPCError{Code: MethodNotFound, Message: "method not found: " + env.Method}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transport.Send(ctx, data); err != nil {
		c.logger.Debug("mcp.client.reply_failed", "server", c.name, "method", env.Method, "error", err.Error())
	}
}

// Close closes the transport and waits briefly for the read loop to exit.
func (c *Client) Close() error {
	err := c.transport.Close()

	c.mu.Lock()
	done := c.readDone
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	c.setState(StateDisconnected)
	return err
}
