package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hupe1980/taskmesh/logging"
)

// SSEOptions configures an SSETransport.
type SSEOptions struct {
	HTTPClient *http.Client
	Logger     logging.Logger
}

// SSETransport receives messages from a server-sent event stream and posts
// outgoing messages to the endpoint announced by the server.
type SSETransport struct {
	cfg    ServerConfig
	client *http.Client
	logger logging.Logger

	recv      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	mu       sync.Mutex
	endpoint string

	errMu sync.Mutex
	err   error
}

// NewSSETransport creates a transport for a stream server.
func NewSSETransport(cfg ServerConfig, optFns ...func(o *SSEOptions)) *SSETransport {
	opts := SSEOptions{HTTPClient: http.DefaultClient}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &SSETransport{
		cfg:    cfg,
		client: opts.HTTPClient,
		logger: logging.OrNoOp(opts.Logger),
		recv:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Start opens the event stream and waits for the endpoint event.
func (t *SSETransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	type opened struct {
		resp *http.Response
		err  error
	}
	openCh := make(chan opened, 1)
	go func() {
		resp, err := t.client.Do(req)
		openCh <- opened{resp, err}
	}()

	var resp *http.Response
	select {
	case o := <-openCh:
		if o.err != nil {
			cancel()
			return fmt.Errorf("failed to open event stream: %w", o.err)
		}
		resp = o.resp
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	endpointCh := make(chan string, 1)
	go t.readStream(resp.Body, endpointCh)

	select {
	case ep, ok := <-endpointCh:
		if !ok {
			cancel()
			if err := t.Err(); err != nil {
				return fmt.Errorf("event stream closed before endpoint: %w", err)
			}
			return fmt.Errorf("event stream closed before endpoint: %w", io.EOF)
		}
		resolved, err := t.resolve(ep)
		if err != nil {
			cancel()
			return err
		}
		t.mu.Lock()
		t.endpoint = resolved
		t.mu.Unlock()
		t.logger.Debug("mcp.sse.endpoint", "server", t.cfg.Name, "endpoint", resolved)
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (t *SSETransport) resolve(endpoint string) (string, error) {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readStream parses the event stream until it ends. The first endpoint event
// is delivered on endpointCh, which is closed when the stream ends.
func (t *SSETransport) readStream(body io.ReadCloser, endpointCh chan<- string) {
	defer func() {
		_ = body.Close()
		close(t.recv)
	}()

	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpointCh)
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	var (
		event string
		data  bytes.Buffer
	)

	dispatch := func() bool {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return true
		}
		switch event {
		case "endpoint":
			if !endpointSent {
				endpointSent = true
				endpointCh <- data.String()
			}
		case "", "message":
			msg := bytes.Clone(data.Bytes())
			select {
			case t.recv <- msg:
			case <-t.done:
				return false
			}
		default:
			t.logger.Debug("mcp.sse.event.ignored", "server", t.cfg.Name, "event", event)
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	select {
	case <-t.done:
		return
	default:
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		t.setErr(err)
	} else {
		t.setErr(io.EOF)
	}
}

// Send posts one message to the endpoint.
func (t *SSETransport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint == "" {
		return errors.New("transport not started")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post returned status %d", resp.StatusCode)
	}
	return nil
}

// Receive returns the incoming message channel.
func (t *SSETransport) Receive() <-chan []byte { return t.recv }

// Err returns the error that ended the stream.
func (t *SSETransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *SSETransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Close ends the event stream.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}
