package irc

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Reader yields parsed messages from a line-framed stream. Lines are
// terminated by CRLF, bare LF, or bare CR; empty lines are skipped.
// Lines exceeding MaxInboundLength are discarded in full and reading
// resumes at the next terminator.
type Reader struct {
	scanner *bufio.Scanner

	// discarding is set while consuming the remainder of an oversized line
	discarding bool
}

// NewReader wraps r with a framed message reader tolerating lines up to
// MaxInboundLength bytes.
func NewReader(r io.Reader) *Reader {
	rd := &Reader{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, MaxInboundLength), MaxInboundLength)
	sc.Split(rd.scanLines)
	rd.scanner = sc
	return rd
}

// scanLines is like bufio.ScanLines but also treats a bare CR as a
// terminator, which some legacy clients emit, and sheds oversized lines
// instead of failing the stream.
func (r *Reader) scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")

	if r.discarding {
		if i < 0 {
			return len(data), nil, nil
		}
		r.discarding = false
		return terminatorEnd(data, i), nil, nil
	}

	if i >= 0 {
		return terminatorEnd(data, i), data[:i], nil
	}
	if len(data) >= MaxInboundLength {
		// the buffer filled without a terminator: drop what we have and
		// resync at the next line boundary
		r.discarding = true
		return len(data), nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func terminatorEnd(data []byte, i int) int {
	if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
		return i + 2
	}
	return i + 1
}

// ReadMessage returns the next parsed message. Unparseable and
// oversized lines are skipped. Returns io.EOF when the stream ends.
func (r *Reader) ReadMessage() (*Message, error) {
	for r.scanner.Scan() {
		if m := ParseMessage(r.scanner.Text()); m != nil {
			return m, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Writer serialises messages onto a stream with CRLF termination. Safe
// for concurrent use; each message is flushed as a unit so interleaved
// writers never split a line.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w with a framed message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage writes one message followed by CRLF and flushes.
func (w *Writer) WriteMessage(m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(m.Bytes()); err != nil {
		return err
	}
	if _, err := w.w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.w.Flush()
}

// WriteRaw writes a pre-rendered line followed by CRLF and flushes.
func (w *Writer) WriteRaw(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	if _, err := w.w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.w.Flush()
}
