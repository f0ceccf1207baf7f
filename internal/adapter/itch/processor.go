package itch

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/orders"
)

// Message types the processor understands. Every other type is counted and
// skipped.
const (
	TypeSystemEvent    byte = 'S'
	TypeStockDirectory byte = 'R'
	TypeAddOrder       byte = 'A'
	TypeAddOrderMPID   byte = 'F'
	TypeOrderExecuted  byte = 'E'
	TypeExecutedPrice  byte = 'C'
	TypeOrderCancel    byte = 'X'
	TypeOrderDelete    byte = 'D'
	TypeOrderReplace   byte = 'U'
)

// maxLocate bounds the stock locate code, a u16.
const maxLocate = 1 << 16

var minLen = map[byte]int{
	TypeSystemEvent:    12,
	TypeStockDirectory: 39,
	TypeAddOrder:       36,
	TypeAddOrderMPID:   40,
	TypeOrderExecuted:  31,
	TypeExecutedPrice:  36,
	TypeOrderCancel:    23,
	TypeOrderDelete:    19,
	TypeOrderReplace:   35,
}

// Book is a per-stock ITCH book: Price(4) prices and whole-share sizes.
type Book = book.Book[book.Price4, book.Lots, int64]

// Processor applies ITCH messages to an order table holding one book per
// stock locate code. It is not safe for concurrent use.
type Processor struct {
	builder *orders.Builder[book.Price4]
	log     *zap.Logger

	symbols map[uint16]string
	locates map[string]uint16
	counts  map[byte]uint64
	seq     uint64
	event   byte
}

// NewProcessor returns a processor whose books track depth levels at a
// tick of Price(4) units (1 = $0.0001).
func NewProcessor(tick book.Price4, depth int, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		builder: orders.NewBuilder(orders.Config[book.Price4]{
			Instruments: maxLocate,
			Tick:        tick,
			Depth:       depth,
		}),
		log:     log.Named("itch"),
		symbols: make(map[uint16]string),
		locates: make(map[string]uint16),
		counts:  make(map[byte]uint64),
	}
}

// Process applies one message without its length prefix. Errors from the
// order table (an unknown reference when joining mid-session, an
// overfill) are returned after the message has been counted.
func (p *Processor) Process(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("%w: empty", ErrShortMessage)
	}
	typ := msg[0]
	p.counts[typ]++
	if n, ok := minLen[typ]; ok && len(msg) < n {
		return fmt.Errorf("%w: %q has %d bytes, want %d", ErrShortMessage, typ, len(msg), n)
	}

	p.seq++
	p.builder.SetSequence(p.seq)
	be := binary.BigEndian

	switch typ {
	case TypeSystemEvent:
		p.event = msg[11]
		p.log.Info("system event", zap.String("code", string(msg[11])), zap.Uint64("ts_ns", timestamp(msg)))
	case TypeStockDirectory:
		locate := be.Uint16(msg[1:3])
		sym := strings.TrimRight(string(msg[11:19]), " ")
		p.symbols[locate] = sym
		p.locates[sym] = locate
	case TypeAddOrder, TypeAddOrderMPID:
		side, err := parseSide(msg[19])
		if err != nil {
			return err
		}
		return p.builder.Add(
			uint32(be.Uint16(msg[1:3])),
			be.Uint64(msg[11:19]),
			side,
			book.Price4(be.Uint32(msg[32:36])),
			int64(be.Uint32(msg[20:24])),
		)
	case TypeOrderExecuted, TypeExecutedPrice, TypeOrderCancel:
		return p.builder.Reduce(be.Uint64(msg[11:19]), int64(be.Uint32(msg[19:23])))
	case TypeOrderDelete:
		return p.builder.Delete(be.Uint64(msg[11:19]))
	case TypeOrderReplace:
		return p.builder.Replace(
			be.Uint64(msg[11:19]),
			be.Uint64(msg[19:27]),
			book.Price4(be.Uint32(msg[31:35])),
			int64(be.Uint32(msg[27:31])),
		)
	}
	return nil
}

func parseSide(b byte) (book.Side, error) {
	switch b {
	case 'B':
		return book.Bid, nil
	case 'S':
		return book.Ask, nil
	}
	return 0, fmt.Errorf("itch: side %q", b)
}

// timestamp returns nanoseconds since midnight.
func timestamp(msg []byte) uint64 {
	var ts uint64
	for _, b := range msg[5:11] {
		ts = ts<<8 | uint64(b)
	}
	return ts
}

// Book returns the book of the stock with the given symbol.
func (p *Processor) Book(symbol string) (*Book, bool) {
	locate, ok := p.locates[symbol]
	if !ok {
		return nil, false
	}
	return p.builder.Book(uint32(locate))
}

// BookByLocate returns the book of a stock locate code.
func (p *Processor) BookByLocate(locate uint16) (*Book, bool) {
	return p.builder.Book(uint32(locate))
}

// Symbol returns the symbol a locate code was assigned in the directory.
func (p *Processor) Symbol(locate uint16) (string, bool) {
	s, ok := p.symbols[locate]
	return s, ok
}

// Counts returns the number of messages seen per type.
func (p *Processor) Counts() map[byte]uint64 { return p.counts }

// Messages returns the number of messages processed.
func (p *Processor) Messages() uint64 { return p.seq }

// SystemEvent returns the last system event code, or 0 before the first.
func (p *Processor) SystemEvent() byte { return p.event }

// OpenOrders returns the number of resting orders.
func (p *Processor) OpenOrders() int { return p.builder.Len() }
