// Package transport implements Content-Length delimited JSON-RPC framing
// over any bidirectional byte stream: a child process's stdio pipes, a
// TCP connection, or the proxy's own stdin/stdout.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.lspmux.dev/lspmux/internal/jsonrpc"
)

// Stream reads and writes framed JSON-RPC messages on one bidirectional
// byte stream. Reads and writes are independent; writing is safe for
// concurrent use, serialized internally.
type Stream struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex
}

// NewStream wraps r/w (and an optional closer, may be nil) as a framed
// LSP stream.
func NewStream(r io.Reader, w io.Writer, c io.Closer) *Stream {
	return &Stream{reader: bufio.NewReader(r), writer: w, closer: c}
}

// Close closes the underlying stream, if it supports closing.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadMessage reads the next complete JSON-RPC object off the stream. It
// returns io.EOF when the stream ends cleanly between messages, and a
// non-EOF error for a malformed header or truncated body. Such a parse
// error is fatal to the client session, or marks a backend dead,
// depending on which stream it came from.
func (s *Stream) ReadMessage() (*jsonrpc.Message, error) {
	payload, err := s.readFrame()
	if err != nil {
		return nil, err
	}

	var msg jsonrpc.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC body: %w", err)
	}
	return &msg, nil
}

// readFrame reads the header block up to the terminating blank line and
// then exactly Content-Length bytes of body, recognizing (and ignoring)
// Content-Type.
func (s *Stream) readFrame() ([]byte, error) {
	var contentLength = -1

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "content-length":
			n, convErr := strconv.Atoi(strings.TrimSpace(val))
			if convErr != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", val, convErr)
			}
			contentLength = n
		case "content-type":
			// Recognized but ignored.
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("failed to read full payload of size %d: %w", contentLength, err)
	}

	return body, nil
}

// WriteMessage serializes msg with a Content-Length header and writes it
// atomically with respect to other writers on this stream.
func (s *Stream) WriteMessage(msg *jsonrpc.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.writeFrame(body)
}

func (s *Stream) writeFrame(body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(s.writer, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := s.writer.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return nil
}
