package smtp

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
)

const (
	// MAX_LINE is the RFC 5321 command line limit, CRLF included.
	MAX_LINE = 1000

	// DefaultReaderBuffer is the reader buffer capacity unless configured.
	DefaultReaderBuffer = 64 * 1024
	// MaxReaderBuffer caps the configurable reader buffer.
	MaxReaderBuffer = 1024 * 1024
)

// Reader extracts CRLF-framed SMTP lines from a byte stream. The stream may
// be swapped for its TLS-wrapped equivalent with Upgrade; the swap refuses
// to proceed while plaintext is still buffered.
type Reader struct {
	br  *bufio.Reader
	lax bool
}

// NewReader wraps src. bufSize of 0 selects DefaultReaderBuffer; larger
// requests are capped at MaxReaderBuffer. With lax set, a bare LF is
// repaired to a line ending instead of rejected.
func NewReader(src io.Reader, bufSize int, lax bool) *Reader {
	if bufSize <= 0 {
		bufSize = DefaultReaderBuffer
	}
	if bufSize > MaxReaderBuffer {
		bufSize = MaxReaderBuffer
	}
	return &Reader{
		br:  bufio.NewReaderSize(src, bufSize),
		lax: lax,
	}
}

// Buffered returns the number of bytes waiting in the internal buffer.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// Upgrade swaps the byte source, normally for the TLS session wrapping the
// original socket. Buffered plaintext at that moment means the client
// pipelined data across the STARTTLS boundary.
func (r *Reader) Upgrade(src io.Reader) error {
	if r.br.Buffered() > 0 {
		return ErrCmdInjection
	}
	r.br.Reset(src)
	return nil
}

// ReadLine reads one logical line without its CRLF. max bounds the line
// length in octets, CRLF included. An overlong line is drained to its
// newline before ErrLtl is returned so the conversation stays in sync.
func (r *Reader) ReadLine(max int) (string, error) {
	var b strings.Builder
	n := 0
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return "", ErrIncomplete
			}
			return "", err
		}
		n++
		if n > max {
			if err := r.skipTillNewline(); err != nil {
				return "", err
			}
			return "", ErrLtl
		}
		if c == '\n' {
			line := b.String()
			if strings.HasSuffix(line, "\r") {
				return strings.TrimSuffix(line, "\r"), nil
			}
			if r.lax {
				return line, nil
			}
			return "", ErrBadFraming
		}
		if c == '\r' && !r.lax {
			// CR must be immediately followed by LF.
			next, err := r.br.ReadByte()
			if err != nil {
				if err == io.EOF {
					return "", ErrIncomplete
				}
				return "", err
			}
			if next != '\n' {
				if err := r.skipTillNewline(); err != nil {
					return "", err
				}
				return "", ErrBadFraming
			}
			if n+1 > max {
				return "", ErrLtl
			}
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

// skipTillNewline drains input up to and including the next LF.
func (r *Reader) skipTillNewline() error {
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return err
		}
		if c == '\n' {
			return nil
		}
	}
}

// Message is one fully received DATA payload. Raw holds the verbatim bytes
// with dot-stuffing reversed; Headers and Body are the split at the first
// blank line, kept for handler convenience only.
type Message struct {
	Raw     []byte
	Headers []byte
	Body    []byte
}

// Split populates Headers and Body from Raw.
func (m *Message) Split() {
	if i := bytes.Index(m.Raw, []byte("\r\n\r\n")); i != -1 {
		m.Headers = m.Raw[:i+2]
		m.Body = m.Raw[i+4:]
	} else {
		m.Headers = m.Raw
		m.Body = nil
	}
}

// ReadDataBlock reads a DATA body up to the lone "." terminator, reversing
// dot-stuffing. Body lines are not subject to the command line limit, only
// to the reader's hard buffer maximum. When the body exceeds maxSize the
// block is still drained to its terminator, then ErrMessageTooLarge is
// reported so the session stays synchronized. Bodies larger than memLimit
// spill to a temporary file that is removed once the bytes are handed off.
// each, when non-nil, runs before every line read so the caller can
// refresh its read deadline.
func (r *Reader) ReadDataBlock(maxSize, memLimit int64, each func()) (*Message, error) {
	spool := newBodySpool(memLimit)
	defer spool.cleanup()

	var total int64
	overflow := false
	for {
		if each != nil {
			each()
		}
		line, err := r.ReadLine(MaxReaderBuffer)
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		total += int64(len(line)) + 2
		if maxSize > 0 && total > maxSize {
			overflow = true
			continue
		}
		if err := spool.writeLine(line); err != nil {
			return nil, err
		}
	}
	if overflow {
		return nil, ErrMessageTooLarge
	}

	raw, err := spool.bytes()
	if err != nil {
		return nil, err
	}
	msg := &Message{Raw: raw}
	msg.Split()
	return msg, nil
}

// bodySpool accumulates a message body in memory and spills to a temp file
// beyond memLimit.
type bodySpool struct {
	memLimit int64
	buf      bytes.Buffer
	file     *os.File
	size     int64
}

func newBodySpool(memLimit int64) *bodySpool {
	return &bodySpool{memLimit: memLimit}
}

func (s *bodySpool) writeLine(line string) error {
	data := line + "\r\n"
	s.size += int64(len(data))

	if s.file == nil && s.memLimit > 0 && s.size > s.memLimit {
		f, err := os.CreateTemp("", "vsmtp-spool-")
		if err != nil {
			return err
		}
		s.file = f
		if _, err := s.file.Write(s.buf.Bytes()); err != nil {
			return err
		}
		s.buf.Reset()
	}

	if s.file != nil {
		_, err := s.file.WriteString(data)
		return err
	}
	s.buf.WriteString(data)
	return nil
}

func (s *bodySpool) bytes() ([]byte, error) {
	if s.file == nil {
		return s.buf.Bytes(), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(s.file)
}

func (s *bodySpool) cleanup() {
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		os.Remove(name)
	}
}
