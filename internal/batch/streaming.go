package batch

// streaming.go provides the readers applied to batch files before staging.
//
// These wrap io.Reader so a file never has to be loaded whole:
//
//   - bomReader: drops a leading UTF-8 BOM (0xEF 0xBB 0xBF) from spreadsheet exports
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?'
//   - CountingReader: tracks bytes read for progress and size limits
//
// Clean applies the first two in the required order.

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrTooLarge is returned by a CountingReader once more than its limit has been read.
var ErrTooLarge = errors.New("batch: file too large")

// Clean wraps r with BOM skipping and UTF-8 sanitizing.
func Clean(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMReader(r))
}

type bomReader struct {
	br      *bufio.Reader
	checked bool
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{br: bufio.NewReader(r)}
}

func (r *bomReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, err := r.br.Peek(len(utf8BOM))
		if err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// utf8Sanitizer rewrites invalid bytes to '?' so output length never grows.
// Incomplete sequences at a read boundary are held back until the next read.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
	buf     []byte
	err     error
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if len(s.pending) == 0 && s.err != nil {
			return 0, s.err
		}

		if s.err == nil {
			if cap(s.buf) < len(p) {
				s.buf = make([]byte, len(p))
			}
			n, err := s.r.Read(s.buf[:len(p)])
			s.pending = append(s.pending, s.buf[:n]...)
			s.err = err
		}

		atEOF := s.err != nil
		n := s.drain(p, atEOF)
		if n > 0 || atEOF && len(s.pending) == 0 {
			if len(s.pending) == 0 && s.err != nil {
				return n, s.err
			}
			return n, nil
		}
	}
}

// drain copies sanitized bytes from pending into p and returns the count.
func (s *utf8Sanitizer) drain(p []byte, atEOF bool) int {
	w, r := 0, 0
	for r < len(s.pending) && w < len(p) {
		b := s.pending[r]
		if b < utf8.RuneSelf {
			p[w] = b
			w++
			r++
			continue
		}

		if !atEOF && !utf8.FullRune(s.pending[r:]) {
			break
		}

		ru, size := utf8.DecodeRune(s.pending[r:])
		if ru == utf8.RuneError && size == 1 {
			p[w] = '?'
			w++
			r++
			continue
		}
		if w+size > len(p) {
			break
		}
		copy(p[w:], s.pending[r:r+size])
		w += size
		r += size
	}
	s.pending = s.pending[:copy(s.pending, s.pending[r:])]
	return w
}

// CountingReader counts bytes read and optionally enforces a size limit.
type CountingReader struct {
	r     io.Reader
	limit int64
	n     int64
}

// NewCountingReader wraps r. A limit <= 0 disables the size check.
func NewCountingReader(r io.Reader, limit int64) *CountingReader {
	return &CountingReader{r: r, limit: limit}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, ErrTooLarge
	}
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (c *CountingReader) BytesRead() int64 {
	return c.n
}
