package mcp

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
)

// peer is a scripted tool server used by the client tests.
type peer struct {
	out func(msg []byte)

	calls     chan string
	pingReply chan json.RawMessage
	notified  chan string
}

func newPeer(out func(msg []byte)) *peer {
	return &peer{
		out:       out,
		calls:     make(chan string, 16),
		pingReply: make(chan json.RawMessage, 1),
		notified:  make(chan string, 4),
	}
}

var peerPages = [][]ToolInfo{
	{
		{Name: "echo", Description: "Echo text", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		}},
		{Name: "sum", Description: "Returns JSON", InputSchema: map[string]any{"type": "object", "properties": map[string]any{}}},
	},
	{
		{Name: "fail", Description: "Always fails", InputSchema: map[string]any{"type": "object"}},
		{Name: "hang", Description: "Never answers", InputSchema: map[string]any{"type": "object"}},
	},
}

func (p *peer) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.out(b)
}

func (p *peer) reply(id json.RawMessage, result any) {
	p.send(map[string]any{"jsonrpc": JSONRPCVersion, "id": id, "result": result})
}

func (p *peer) handle(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}

	if env.isResponse() {
		select {
		case p.pingReply <- env.Result:
		default:
		}
		return
	}
	if len(env.ID) == 0 {
		select {
		case p.notified <- env.Method:
		default:
		}
		return
	}

	switch env.Method {
	case "initialize":
		p.send(map[string]any{"jsonrpc": JSONRPCVersion, "id": "srv-1", "method": "ping"})
		p.reply(env.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      Implementation{Name: "peer", Version: "1.0"},
		})
	case "tools/list":
		var params struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(env.Params, &params)
		if params.Cursor == "" {
			p.reply(env.ID, map[string]any{"tools": peerPages[0], "nextCursor": "page2"})
		} else {
			p.reply(env.ID, map[string]any{"tools": peerPages[1]})
		}
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(env.Params, &params)
		p.calls <- params.Name
		switch params.Name {
		case "echo":
			p.reply(env.ID, CallToolResult{Content: []ContentBlock{{Type: "text", Text: params.Arguments["text"].(string)}}})
		case "sum":
			p.reply(env.ID, CallToolResult{Content: []ContentBlock{{Type: "text", Text: `{"sum":3}`}}})
		case "fail":
			p.reply(env.ID, CallToolResult{Content: []ContentBlock{{Type: "text", Text: "disk full"}}, IsError: true})
		case "hang":
		}
	default:
		p.send(map[string]any{"jsonrpc": JSONRPCVersion, "id": env.ID, "error": RPCError{Code: MethodNotFound, Message: "unknown"}})
	}
}

// pipePeer wires a peer to a PipeTransport through two io.Pipes. The returned
// closer drops the server side of the connection.
func pipePeer(t *testing.T, framing string) (*PipeTransport, *peer, func()) {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	var mu sync.Mutex
	p := newPeer(func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		if framing == FramingContentLength {
			_, _ = serverW.Write([]byte("peer: log noise\n"))
		}
		_, _ = serverW.Write(frame(framing, msg))
	})

	go func() {
		fr := newFrameReader(serverR)
		for {
			msg, err := fr.next()
			if err != nil {
				return
			}
			p.handle(msg)
		}
	}()

	tr := NewPipeTransport(clientR, clientW)
	drop := func() {
		_ = serverW.Close()
		_ = serverR.Close()
	}
	t.Cleanup(func() {
		_ = tr.Close()
		drop()
	})
	return tr, p, drop
}
