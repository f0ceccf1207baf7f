// Package simba decodes MOEX SIMBA SPECTRA market-data packets (SBE,
// little endian) and folds the order messages into per-security L2 books.
package simba

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/metrics"
	"github.com/caesar-terminal/depth/internal/orders"
)

// Wire sizes.
const (
	PacketHeaderLen      = 16
	IncrementalHeaderLen = 12
	SBEHeaderLen         = 8
	OrderUpdateLen       = 50
	OrderExecutionLen    = 74
	SnapshotRootLen      = 16
	SnapshotEntryLen     = 57
	groupSizeLen         = 3
	groupSize2Len        = 4
)

// Packet flags.
const (
	FlagLastFragment    uint16 = 0x1
	FlagStartOfSnapshot uint16 = 0x2
	FlagEndOfSnapshot   uint16 = 0x4
	FlagIncremental     uint16 = 0x8
	FlagPossDup         uint16 = 0x10
)

// Template ids.
const (
	TemplateBestPrices         uint16 = 14
	TemplateOrderUpdate        uint16 = 15
	TemplateOrderExecution     uint16 = 16
	TemplateOrderBookSnapshot  uint16 = 17
	TemplateSecurityMassStatus uint16 = 19
)

// Update actions and entry types.
const (
	ActionNew    uint8 = 0
	ActionChange uint8 = 1
	ActionDelete uint8 = 2

	EntryBid       uint8 = '0'
	EntryOffer     uint8 = '1'
	EntryEmptyBook uint8 = 'J'
)

// NullDecimal5 marks an absent Decimal5NULL.
const NullDecimal5 = math.MaxInt64

var (
	ErrShortPacket       = errors.New("simba: short packet")
	ErrTooManySecurities = errors.New("simba: security limit reached")
)

// Book is a per-security SIMBA book: Decimal5 prices and whole-lot sizes.
type Book = book.Book[book.Decimal5, book.Lots, int64]

// Config sizes a Decoder.
type Config struct {
	// Securities bounds the number of distinct security ids tracked.
	Securities uint32
	Tick       book.Decimal5
	Depth      int
}

// secState follows one security's RptSeq. A security is synced once a
// snapshot has been applied; incrementals at or below the snapshot's RptSeq
// are already reflected in it and are skipped.
type secState struct {
	index  uint32
	rptSeq uint32
	synced bool
	inSnap bool // between the first and last fragment of a snapshot
}

// Stats counts decoder activity.
type Stats struct {
	Packets   uint64
	Messages  uint64
	Skipped   uint64
	Gaps      uint64
	Snapshots uint64
}

// Decoder applies SIMBA packets to an order table. It is not safe for
// concurrent use.
type Decoder struct {
	builder    *orders.Builder[book.Decimal5]
	limit      uint32
	securities map[int32]*secState
	log        *zap.Logger
	stats      Stats
}

// NewDecoder returns an empty decoder.
func NewDecoder(cfg Config, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Securities == 0 {
		cfg.Securities = 4096
	}
	return &Decoder{
		builder: orders.NewBuilder(orders.Config[book.Decimal5]{
			Instruments: cfg.Securities,
			Tick:        cfg.Tick,
			Depth:       cfg.Depth,
		}),
		limit:      cfg.Securities,
		securities: make(map[int32]*secState),
		log:        log.Named("simba"),
	}
}

// PacketHeader is the MarketDataPacketHeader.
type PacketHeader struct {
	MsgSeqNum   uint32
	MsgSize     uint16
	MsgFlags    uint16
	SendingTime uint64
}

// ParsePacketHeader reads the first 16 bytes of pkt.
func ParsePacketHeader(pkt []byte) (PacketHeader, error) {
	if len(pkt) < PacketHeaderLen {
		return PacketHeader{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}
	le := binary.LittleEndian
	return PacketHeader{
		MsgSeqNum:   le.Uint32(pkt[0:4]),
		MsgSize:     le.Uint16(pkt[4:6]),
		MsgFlags:    le.Uint16(pkt[6:8]),
		SendingTime: le.Uint64(pkt[8:16]),
	}, nil
}

// Packet applies one UDP payload. Order table errors for individual
// messages are collected and returned together; the rest of the packet is
// still applied.
func (d *Decoder) Packet(pkt []byte) error {
	hdr, err := ParsePacketHeader(pkt)
	if err != nil {
		return err
	}
	if int(hdr.MsgSize) > len(pkt) {
		return fmt.Errorf("%w: header says %d bytes, have %d", ErrShortPacket, hdr.MsgSize, len(pkt))
	}
	if hdr.MsgSize >= PacketHeaderLen {
		pkt = pkt[:hdr.MsgSize]
	}
	d.stats.Packets++

	body := pkt[PacketHeaderLen:]
	if hdr.MsgFlags&FlagIncremental != 0 {
		if len(body) < IncrementalHeaderLen {
			return fmt.Errorf("%w: incremental header", ErrShortPacket)
		}
		return d.incremental(body[IncrementalHeaderLen:])
	}
	return d.snapshot(hdr, body)
}

type sbeHeader struct {
	blockLength uint16
	templateID  uint16
	schemaID    uint16
	version     uint16
}

func readSBEHeader(b []byte) (sbeHeader, error) {
	if len(b) < SBEHeaderLen {
		return sbeHeader{}, fmt.Errorf("%w: SBE header", ErrShortPacket)
	}
	le := binary.LittleEndian
	return sbeHeader{
		blockLength: le.Uint16(b[0:2]),
		templateID:  le.Uint16(b[2:4]),
		schemaID:    le.Uint16(b[4:6]),
		version:     le.Uint16(b[6:8]),
	}, nil
}

func (d *Decoder) incremental(b []byte) error {
	var errs []error
	for len(b) > 0 {
		h, err := readSBEHeader(b)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		b = b[SBEHeaderLen:]
		if len(b) < int(h.blockLength) {
			return errors.Join(append(errs, fmt.Errorf("%w: template %d block", ErrShortPacket, h.templateID))...)
		}
		block := b[:h.blockLength]
		b = b[h.blockLength:]
		d.stats.Messages++

		switch h.templateID {
		case TemplateOrderUpdate:
			if len(block) < OrderUpdateLen {
				return errors.Join(append(errs, fmt.Errorf("%w: OrderUpdate", ErrShortPacket))...)
			}
			if err := d.orderUpdate(block); err != nil {
				errs = append(errs, err)
			}
		case TemplateOrderExecution:
			if len(block) < OrderExecutionLen {
				return errors.Join(append(errs, fmt.Errorf("%w: OrderExecution", ErrShortPacket))...)
			}
			if err := d.orderExecution(block); err != nil {
				errs = append(errs, err)
			}
		case TemplateBestPrices:
			n, err := skipGroup(b, groupSizeLen)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			b = b[n:]
		case TemplateSecurityMassStatus:
			n, err := skipGroup(b, groupSize2Len)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			b = b[n:]
		}
	}
	return errors.Join(errs...)
}

// skipGroup returns the length of a repeating group starting at b.
func skipGroup(b []byte, headerLen int) (int, error) {
	if len(b) < headerLen {
		return 0, fmt.Errorf("%w: group header", ErrShortPacket)
	}
	blockLen := int(binary.LittleEndian.Uint16(b[0:2]))
	var count int
	if headerLen == groupSizeLen {
		count = int(b[2])
	} else {
		count = int(binary.LittleEndian.Uint16(b[2:4]))
	}
	n := headerLen + blockLen*count
	if len(b) < n {
		return 0, fmt.Errorf("%w: group of %d", ErrShortPacket, count)
	}
	return n, nil
}

// accept reports whether an incremental for security at rptSeq should be
// applied, tracking gaps.
func (d *Decoder) accept(securityID int32, rptSeq uint32) (*secState, bool) {
	st, ok := d.securities[securityID]
	if !ok || !st.synced {
		d.stats.Skipped++
		return nil, false
	}
	if rptSeq <= st.rptSeq {
		d.stats.Skipped++
		return nil, false
	}
	if rptSeq != st.rptSeq+1 {
		d.stats.Gaps++
		metrics.Gaps.WithLabelValues(string(adapter.ExchangeMOEX), fmt.Sprint(securityID)).Inc()
		d.log.Warn("rpt seq gap, waiting for snapshot",
			zap.Int32("security_id", securityID),
			zap.Uint32("expected", st.rptSeq+1),
			zap.Uint32("got", rptSeq),
		)
		st.synced = false
		d.stats.Skipped++
		return nil, false
	}
	st.rptSeq = rptSeq
	d.builder.SetSequence(uint64(rptSeq))
	return st, true
}

func (d *Decoder) orderUpdate(b []byte) error {
	le := binary.LittleEndian
	id := le.Uint64(b[0:8])
	px := book.Decimal5(int64(le.Uint64(b[8:16])))
	size := int64(le.Uint64(b[16:24]))
	securityID := int32(le.Uint32(b[40:44]))
	rptSeq := le.Uint32(b[44:48])
	action := b[48]
	entry := b[49]

	st, ok := d.accept(securityID, rptSeq)
	if !ok {
		return nil
	}

	switch action {
	case ActionNew:
		side, err := parseSide(entry)
		if err != nil {
			return err
		}
		return d.builder.Add(st.index, id, side, px, size)
	case ActionChange:
		return d.builder.Modify(id, px, size)
	case ActionDelete:
		return d.builder.Delete(id)
	}
	return fmt.Errorf("simba: security %d order %d: action %d", securityID, id, action)
}

// orderExecution handles a trade against a resting order. MDEntrySize is
// the size left after the trade.
func (d *Decoder) orderExecution(b []byte) error {
	le := binary.LittleEndian
	id := le.Uint64(b[0:8])
	remaining := int64(le.Uint64(b[16:24]))
	lastQty := int64(le.Uint64(b[32:40]))
	securityID := int32(le.Uint32(b[64:68]))
	rptSeq := le.Uint32(b[68:72])
	action := b[72]

	if _, ok := d.accept(securityID, rptSeq); !ok {
		return nil
	}

	if action == ActionDelete || remaining == 0 {
		return d.builder.Delete(id)
	}
	return d.builder.Reduce(id, lastQty)
}

func (d *Decoder) snapshot(hdr PacketHeader, b []byte) error {
	h, err := readSBEHeader(b)
	if err != nil {
		return err
	}
	if h.templateID != TemplateOrderBookSnapshot {
		return nil
	}
	b = b[SBEHeaderLen:]
	if len(b) < SnapshotRootLen+groupSizeLen || int(h.blockLength) < SnapshotRootLen {
		return fmt.Errorf("%w: OrderBookSnapshot root", ErrShortPacket)
	}
	le := binary.LittleEndian
	securityID := int32(le.Uint32(b[0:4]))
	rptSeq := le.Uint32(b[8:12])

	g := b[h.blockLength:]
	if len(g) < groupSizeLen {
		return fmt.Errorf("%w: OrderBookSnapshot group", ErrShortPacket)
	}
	entryLen := int(le.Uint16(g[0:2]))
	count := int(g[2])
	g = g[groupSizeLen:]
	if entryLen < SnapshotEntryLen || len(g) < entryLen*count {
		return fmt.Errorf("%w: %d snapshot entries of %d bytes", ErrShortPacket, count, entryLen)
	}

	st, err := d.security(securityID)
	if err != nil {
		return err
	}
	d.stats.Messages++
	d.builder.SetSequence(uint64(rptSeq))
	if !st.inSnap {
		if err := d.builder.Reset(st.index); err != nil {
			return err
		}
		st.synced = false
	}

	var errs []error
	for i := 0; i < count; i++ {
		e := g[i*entryLen : (i+1)*entryLen]
		entry := e[56]
		if entry == EntryEmptyBook {
			continue
		}
		px := int64(le.Uint64(e[16:24]))
		if px == NullDecimal5 {
			continue
		}
		side, err := parseSide(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.builder.Add(st.index, le.Uint64(e[0:8]), side, book.Decimal5(px), int64(le.Uint64(e[24:32]))); err != nil {
			errs = append(errs, err)
		}
	}

	st.inSnap = hdr.MsgFlags&FlagLastFragment == 0
	if !st.inSnap {
		st.rptSeq = rptSeq
		st.synced = true
		d.stats.Snapshots++
	}
	return errors.Join(errs...)
}

func (d *Decoder) security(id int32) (*secState, error) {
	if st, ok := d.securities[id]; ok {
		return st, nil
	}
	if uint32(len(d.securities)) >= d.limit {
		return nil, fmt.Errorf("%w: %d", ErrTooManySecurities, d.limit)
	}
	st := &secState{index: uint32(len(d.securities))}
	d.securities[id] = st
	return st, nil
}

func parseSide(entry uint8) (book.Side, error) {
	switch entry {
	case EntryBid:
		return book.Bid, nil
	case EntryOffer:
		return book.Ask, nil
	}
	return 0, fmt.Errorf("simba: entry type %q", entry)
}

// Book returns the book of securityID, if a snapshot has created it.
func (d *Decoder) Book(securityID int32) (*Book, bool) {
	st, ok := d.securities[securityID]
	if !ok {
		return nil, false
	}
	return d.builder.Book(st.index)
}

// Synced reports whether securityID's book reflects a snapshot and every
// incremental since.
func (d *Decoder) Synced(securityID int32) bool {
	st, ok := d.securities[securityID]
	return ok && st.synced
}

// Stats returns the activity counters.
func (d *Decoder) Stats() Stats { return d.stats }
