package fcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const rawCopyBufferSize = 64 * 1024

// DialError reports a failure to establish the TCP connection. It is the only
// failure the retrying runner retries.
type DialError struct {
	Address string
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %q: %v", e.Address, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// DialFunc opens the transport for a session.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Session owns one node connection for one logical exchange. It is not safe for
// concurrent use and is never reused after Close.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	readTimeout time.Duration
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, readTimeout time.Duration) *Session {
	return &Session{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, rawCopyBufferSize),
		writer:      bufio.NewWriterSize(conn, rawCopyBufferSize),
		readTimeout: readTimeout,
	}
}

// Dial opens a TCP session to address.
func Dial(ctx context.Context, dial DialFunc, address string, timeout, readTimeout time.Duration) (*Session, error) {
	if dial == nil {
		dialer := &net.Dialer{Timeout: timeout}
		dial = dialer.DialContext
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, &DialError{Address: address, Err: err}
	}
	return NewSession(conn, readTimeout), nil
}

// Send writes one framed message and flushes.
func (s *Session) Send(m *Message) error {
	if err := Encode(s.writer, m); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", m.Name, err)
	}
	return nil
}

// Receive decodes the next message. A nil message with nil error means the node
// closed the stream.
func (s *Session) Receive() (*Message, error) {
	if err := s.armReadDeadline(); err != nil {
		return nil, err
	}
	return Decode(s.reader)
}

// ReceiveWithTimeout is Receive with an explicit read deadline for this call only.
func (s *Session) ReceiveWithTimeout(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = s.conn.SetReadDeadline(time.Time{})
		}()
		return Decode(s.reader)
	}
	return s.Receive()
}

// ReadRawBytes copies exactly n payload bytes into sink and returns the count
// written. The count is short when the stream ends early; callers compare it with n.
func (s *Session) ReadRawBytes(n int64, sink io.Writer) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	if err := s.armReadDeadline(); err != nil {
		return 0, err
	}

	buf := make([]byte, rawCopyBufferSize)
	written, err := io.CopyBuffer(sink, io.LimitReader(s.reader, n), buf)
	if err != nil {
		return written, fmt.Errorf("read payload: %w", err)
	}
	if written < n {
		return written, io.ErrUnexpectedEOF
	}
	return written, nil
}

// WriteRawBytes streams all of source to the node and flushes.
func (s *Session) WriteRawBytes(source io.Reader) (int64, error) {
	buf := make([]byte, rawCopyBufferSize)
	written, err := io.CopyBuffer(s.writer, source, buf)
	if err != nil {
		return written, fmt.Errorf("write payload: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return written, fmt.Errorf("flush payload: %w", err)
	}
	return written, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) armReadDeadline() error {
	if s.readTimeout <= 0 {
		return nil
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}
