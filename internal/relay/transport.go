package relay

import (
	"bufio"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves whole protocol messages over one connection. A session has
// a single reader goroutine and a single writer goroutine, so implementations
// need not be safe for concurrent reads or concurrent writes.
type Transport interface {
	// ReadMessage returns the next message without its terminator.
	// ErrLineTooLong means the message was discarded and reading may go on.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// lineTransport frames messages as newline-terminated lines over TCP.
type lineTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func newLineTransport(conn net.Conn, maxLine int) *lineTransport {
	// One extra byte for the terminator.
	return &lineTransport{conn: conn, r: bufio.NewReaderSize(conn, maxLine+1)}
}

func (t *lineTransport) ReadMessage() ([]byte, error) {
	line, err := t.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// Skip the rest of the oversized line.
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = t.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrLineTooLong
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// Unterminated last line; the next call reports EOF.
			return slices.Clone(line), nil
		}
		return nil, err
	}
	return slices.Clone(line[:len(line)-1]), nil
}

func (t *lineTransport) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *lineTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *lineTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *lineTransport) Close() error                       { return t.conn.Close() }
func (t *lineTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }

// wsTransport carries one envelope per WebSocket text frame. A frame larger
// than the read limit makes gorilla fail the connection, so oversized input
// ends a WebSocket session instead of being skipped.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxMessage int) *wsTransport {
	conn.SetReadLimit(int64(maxMessage))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
		// binary frames are not part of the protocol
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *wsTransport) Close() error                       { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }

// isExpectedCloseError reports errors that only mean the peer went away.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
