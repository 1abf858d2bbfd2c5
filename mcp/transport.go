package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Transport moves raw JSON-RPC messages between a client and a server.
type Transport interface {
	// Start establishes the connection. Receive is only valid after Start.
	Start(ctx context.Context) error
	// Send writes one complete message.
	Send(ctx context.Context, msg []byte) error
	// Receive yields incoming messages and is closed when the connection ends.
	Receive() <-chan []byte
	// Close terminates the connection.
	Close() error
	// Err returns the reason the receive channel closed, if any.
	Err() error
}

// Framing values for stdio transports.
const (
	FramingNewline       = "newline"
	FramingContentLength = "content-length"
)

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

const maxMessageSize = 16 << 20

// frame encodes msg for the wire according to framing.
func frame(framing string, msg []byte) []byte {
	msg = bytes.TrimRight(msg, "\r\n")
	if framing == FramingContentLength {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(msg))
		return append([]byte(header), msg...)
	}
	return append(msg, '\n')
}

// frameReader reads messages in either newline-delimited or Content-Length
// framing, detected per message. Lines that are not JSON (server log noise)
// are skipped.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (f *frameReader) next() ([]byte, error) {
	for {
		line, err := f.readLine()
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		if n, ok := contentLength(trimmed); ok {
			return f.readBody(n)
		}

		if trimmed[0] == '{' || trimmed[0] == '[' {
			return trimmed, nil
		}
	}
}

func (f *frameReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := f.r.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxMessageSize {
			return nil, fmt.Errorf("message exceeds %d bytes", maxMessageSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// readBody consumes the remaining headers up to the blank line, then n bytes.
func (f *frameReader) readBody(n int) ([]byte, error) {
	for {
		line, err := f.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			break
		}
	}
	if n > maxMessageSize {
		return nil, fmt.Errorf("message exceeds %d bytes", maxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func contentLength(line []byte) (int, bool) {
	name, value, ok := strings.Cut(string(line), ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
