package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter/itch"
)

func msg(typ byte, locate uint16, size int) []byte {
	m := make([]byte, size)
	m[0] = typ
	binary.BigEndian.PutUint16(m[1:3], locate)
	return m
}

func framed(msgs ...[]byte) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(m)))
		buf.Write(m)
	}
	return buf.Bytes()
}

func add(ref uint64, side byte, shares, price uint32) []byte {
	m := msg(itch.TypeAddOrder, 3, 36)
	binary.BigEndian.PutUint64(m[11:19], ref)
	m[19] = side
	binary.BigEndian.PutUint32(m[20:24], shares)
	binary.BigEndian.PutUint32(m[32:36], price)
	return m
}

func TestReplay(t *testing.T) {
	dir := msg(itch.TypeStockDirectory, 3, 39)
	copy(dir[11:19], "MSFT    ")
	exec := msg(itch.TypeOrderExecuted, 3, 31)
	binary.BigEndian.PutUint64(exec[11:19], 404)
	binary.BigEndian.PutUint32(exec[19:23], 1)

	data := framed(dir, add(1, 'B', 100, 410_0000), add(2, 'S', 50, 410_0500), exec)
	p := itch.NewProcessor(100, 5, nil)

	res, err := replay(itch.NewReader(bytes.NewReader(data)), p, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Messages)
	assert.Equal(t, uint64(1), res.Rejected, "execution of an unknown order")
	assert.Equal(t, int64(len(data)), res.Bytes)

	var out bytes.Buffer
	report(&out, res, p, []string{"MSFT", "IBM"}, 3)
	text := out.String()
	assert.Contains(t, text, "messages 4")
	assert.Contains(t, text, "ask   410.0500       50")
	assert.Contains(t, text, "bid   410.0000      100")
	assert.Contains(t, text, "IBM: no book")
	assert.Less(t, strings.Index(text, "ask"), strings.Index(text, "bid"))
}

func TestReplay_Truncated(t *testing.T) {
	data := framed(add(1, 'B', 100, 410_0000))
	res, err := replay(itch.NewReader(bytes.NewReader(data[:10])), itch.NewProcessor(100, 5, nil), zap.NewNop())
	require.Error(t, err)
	assert.Zero(t, res.Messages)
}
