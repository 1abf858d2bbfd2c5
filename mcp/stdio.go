package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/hupe1980/taskmesh/logging"
)

// PipeOptions configures a PipeTransport.
type PipeOptions struct {
	Framing string
	Logger  logging.Logger
	// OnClose runs once after the transport has been closed.
	OnClose func() error
}

// PipeTransport speaks JSON-RPC over a reader/writer pair. It backs the stdio
// transport and is used directly with io.Pipe in tests.
type PipeTransport struct {
	r       io.Reader
	w       io.WriteCloser
	framing string
	onClose func() error
	logger  logging.Logger

	recv      chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex

	errMu sync.Mutex
	err   error
}

// NewPipeTransport creates a transport reading from r and writing to w.
func NewPipeTransport(r io.Reader, w io.WriteCloser, optFns ...func(o *PipeOptions)) *PipeTransport {
	opts := PipeOptions{Framing: FramingNewline}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Framing == "" {
		opts.Framing = FramingNewline
	}

	return &PipeTransport{
		r:       r,
		w:       w,
		framing: opts.Framing,
		onClose: opts.OnClose,
		logger:  logging.OrNoOp(opts.Logger),
		recv:    make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

// Start begins reading. Calling it more than once has no effect.
func (t *PipeTransport) Start(_ context.Context) error {
	t.startOnce.Do(func() {
		go t.readLoop()
	})
	return nil
}

func (t *PipeTransport) readLoop() {
	defer close(t.recv)

	fr := newFrameReader(t.r)
	for {
		msg, err := fr.next()
		if err != nil {
			select {
			case <-t.done:
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					t.setErr(io.EOF)
				} else {
					t.setErr(err)
				}
			}
			return
		}

		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

// Send writes one framed message.
func (t *PipeTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.w.Write(frame(t.framing, msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive returns the incoming message channel.
func (t *PipeTransport) Receive() <-chan []byte { return t.recv }

// Err returns the read error that ended the connection.
func (t *PipeTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *PipeTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Close closes the writer and, when possible, the reader.
func (t *PipeTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.done)
		if err := t.w.Close(); err != nil {
			errs = append(errs, err)
		}
		if c, ok := t.r.(io.Closer); ok {
			_ = c.Close()
		}
		if t.onClose != nil {
			if err := t.onClose(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// StdioTransport runs a server as a child process and talks to it over its
// standard input and output.
type StdioTransport struct {
	cfg    ServerConfig
	logger logging.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	pipe   *PipeTransport
}

// NewStdioTransport creates a transport for a pipe server.
func NewStdioTransport(cfg ServerConfig, logger logging.Logger) *StdioTransport {
	return &StdioTransport{cfg: cfg, logger: logging.OrNoOp(logger)}
}

// Start spawns the process. The process outlives ctx and is stopped by Close.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pipe != nil {
		return fmt.Errorf("server %s already started", t.cfg.Name)
	}

	path, err := exec.LookPath(t.cfg.Command)
	if err != nil {
		return fmt.Errorf("command %q not found: %w", t.cfg.Command, err)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, path, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start process: %w", err)
	}

	t.logger.Info("mcp.process.started", "server", t.cfg.Name, "command", t.cfg.Command, "pid", cmd.Process.Pid)

	go t.drainStderr(stderr)

	t.cmd = cmd
	t.cancel = cancel
	t.pipe = NewPipeTransport(stdout, stdin, func(o *PipeOptions) {
		o.Framing = t.cfg.Framing
		o.Logger = t.logger
		o.OnClose = t.stop
	})

	return t.pipe.Start(ctx)
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Debug("mcp.process.stderr", "server", t.cfg.Name, "line", scanner.Text())
	}
}

func (t *StdioTransport) stop() error {
	t.cancel()
	err := t.cmd.Wait()
	t.logger.Info("mcp.process.stopped", "server", t.cfg.Name)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by Close.
		return nil
	}
	return err
}

// Send writes one message to the process.
func (t *StdioTransport) Send(ctx context.Context, msg []byte) error {
	p := t.current()
	if p == nil {
		return ErrTransportClosed
	}
	return p.Send(ctx, msg)
}

// Receive returns the incoming message channel; nil before Start.
func (t *StdioTransport) Receive() <-chan []byte {
	if p := t.current(); p != nil {
		return p.Receive()
	}
	return nil
}

// Err returns the read error that ended the connection.
func (t *StdioTransport) Err() error {
	if p := t.current(); p != nil {
		return p.Err()
	}
	return nil
}

// Close stops the process.
func (t *StdioTransport) Close() error {
	if p := t.current(); p != nil {
		return p.Close()
	}
	return nil
}

func (t *StdioTransport) current() *PipeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pipe
}
