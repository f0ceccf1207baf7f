package book

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noNext(Float) (Float, bool) { return 0, false }

func TestTop_UpsertOrdersBySide(t *testing.T) {
	bids := NewTop(Bid, 3, Float(1))
	asks := NewTop(Ask, 3, Float(1))
	for _, px := range []Float{9, 11, 10, 8} {
		bids.Upsert(px)
		asks.Upsert(px)
	}
	assert.Equal(t, []Float{11, 10, 9}, bids.Prices())
	assert.Equal(t, []Float{8, 9, 10}, asks.Prices())
}

func TestTop_UpsertExistingIsNoop(t *testing.T) {
	top := NewTop(Bid, 3, Float(1))
	top.Upsert(10)
	top.Upsert(9)
	top.Upsert(10)
	assert.Equal(t, []Float{10, 9}, top.Prices())
}

func TestTop_UpsertWorseThanFullIsDropped(t *testing.T) {
	top := NewTop(Ask, 2, Float(1))
	top.Upsert(1)
	top.Upsert(2)
	top.Upsert(3)
	assert.Equal(t, []Float{1, 2}, top.Prices())
}

func TestTop_DeleteBackfillsWhenFull(t *testing.T) {
	top := NewTop(Bid, 3, Float(1))
	for _, px := range []Float{10, 9, 8} {
		top.Upsert(px)
	}
	var asked Float
	top.Delete(8, func(px Float) (Float, bool) {
		asked = px
		return 7, true
	})
	assert.Equal(t, Float(8), asked, "probe starts at the previous worst")
	assert.Equal(t, []Float{10, 9, 7}, top.Prices())
}

func TestTop_DeleteWithoutBackfillShrinks(t *testing.T) {
	top := NewTop(Ask, 3, Float(1))
	top.Upsert(1)
	top.Upsert(2)

	called := false
	top.Delete(1, func(Float) (Float, bool) {
		called = true
		return 0, false
	})
	assert.False(t, called, "tracker was not full")
	assert.Equal(t, []Float{2}, top.Prices())

	top.Delete(5, noNext)
	assert.Equal(t, []Float{2}, top.Prices(), "absent price is a no-op")
}

func TestTop_EvictionScenario(t *testing.T) {
	b := New[Float, Qty, Qty](Config[Float]{Tick: 1, Depth: 3})
	bids := b.Bids()
	bids.ApplyAbsolute([]Level[Float, Qty]{{10, 1}, {9, 1}, {8, 1}, {7, 1}})
	require.Equal(t, []Float{10, 9, 8}, bids.Tracked())

	bids.ApplyAbsolute([]Level[Float, Qty]{{8, 0}})
	assert.Equal(t, []Float{10, 9, 7}, bids.Tracked())
	require.NoError(t, Check(b))
}

func TestTop_BoundAndOrderProperty(t *testing.T) {
	for _, side := range []Side{Bid, Ask} {
		t.Run(side.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(side)))
			const n = 5
			top := NewTop(side, n, Float(1))
			for i := 0; i < 10_000; i++ {
				px := Float(rng.Intn(40))
				if rng.Intn(3) == 0 {
					top.Delete(px, noNext)
				} else {
					top.Upsert(px)
				}
				prices := top.Prices()
				require.LessOrEqual(t, len(prices), n)
				for j := 1; j < len(prices); j++ {
					if side == Bid {
						require.Greater(t, prices[j-1], prices[j])
					} else {
						require.Less(t, prices[j-1], prices[j])
					}
				}
			}
		})
	}
}
