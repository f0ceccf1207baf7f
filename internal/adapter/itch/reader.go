// Package itch decodes NASDAQ TotalView-ITCH 5.0 and folds the order
// messages into per-stock L2 books.
package itch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortMessage is returned for a message shorter than its type requires.
var ErrShortMessage = errors.New("itch: short message")

// Reader splits a stream of length-prefixed ITCH messages, as found in the
// NASDAQ binary files: each message is preceded by its big-endian u16
// length.
type Reader struct {
	r   *bufio.Reader
	buf []byte
	off int64
}

// NewReader reads messages from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<20), buf: make([]byte, 64)}
}

// Next returns the next message. The slice is valid until the following
// call. It returns io.EOF at a clean end of stream and io.ErrUnexpectedEOF
// for a truncated message.
func (r *Reader) Next() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("itch: length prefix at %d: %w", r.off, err)
		}
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 {
		return nil, fmt.Errorf("itch: empty message at %d", r.off)
	}
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	msg := r.buf[:n]
	if _, err := io.ReadFull(r.r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("itch: message at %d: %w", r.off, err)
	}
	r.off += int64(n) + 2
	return msg, nil
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 { return r.off }
