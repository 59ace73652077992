// Package wire implements the line-oriented JSON protocol boundary: a
// buffered one-line-per-message reader/writer over TCP, and the decoding
// of client requests into a closed (CRUD, target) union. Untyped JSON
// stays confined to this package.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// ReadWriter frames one logical JSON message per line over a stream.
// Writes are flushed per line. Not safe for concurrent writers; peer
// connections funnel all writes through a single goroutine.
type ReadWriter struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewReadWriter(conn net.Conn) *ReadWriter {
	return &ReadWriter{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// ReadLine reads the next message, without the trailing newline.
func (rw *ReadWriter) ReadLine() (string, error) {
	line, err := rw.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes one message followed by a newline and flushes.
func (rw *ReadWriter) WriteLine(s string) error {
	if _, err := rw.writer.WriteString(s); err != nil {
		return err
	}
	if err := rw.writer.WriteByte('\n'); err != nil {
		return err
	}
	return rw.writer.Flush()
}

// WriteJSON marshals v and writes it as one line.
func (rw *ReadWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return rw.WriteLine(string(b))
}

// PeerAddr reports the remote address for logging and join validation.
func (rw *ReadWriter) PeerAddr() string {
	if addr := rw.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (rw *ReadWriter) Close() error {
	return rw.conn.Close()
}
