package book

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeCase struct {
	name string
	new  func() LevelStore[Float, Qty]
}

func storeCases(start, tick Float) []storeCase {
	return []storeCase{
		{"dense", func() LevelStore[Float, Qty] {
			return NewDenseLevels[Float, Qty](NewIndexer(start, tick))
		}},
		{"pooled", func() LevelStore[Float, Qty] {
			return NewPooledLevels[Float, Qty]()
		}},
	}
}

func TestLevelStore_RoundTrip(t *testing.T) {
	tick := Float(0.001)
	for _, tc := range storeCases(200, tick) {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			store := tc.new()
			want := make(map[Float]Qty)

			for i := 0; i < 5000; i++ {
				// Range starts well below the initial floor of 200.
				px := tick.Ticks(128000 + rng.Int63n(128000))
				amt := Qty(rng.Intn(1000))
				*store.Ref(px) = amt
				if amt == 0 {
					store.Release(px)
				}
				want[px] = amt
			}
			for px, amt := range want {
				require.Equal(t, amt, store.Get(px), "price %v", px)
			}
		})
	}
}

func TestLevelStore_GetUnknown(t *testing.T) {
	for _, tc := range storeCases(100, 0.01) {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.new()
			*store.Ref(100.5) = 3

			assert.True(t, store.Get(1).IsZero(), "below floor")
			assert.True(t, store.Get(10_000).IsZero(), "beyond allocated range")
			assert.Equal(t, Qty(3), store.Get(100.5))
		})
	}
}

func TestDenseLevels_GetDoesNotGrow(t *testing.T) {
	ix := NewIndexer(Float(100), Float(0.01))
	store := NewDenseLevels[Float, Qty](ix)
	*store.Ref(101) = 1

	store.Get(50)
	assert.Equal(t, Float(100), ix.Floor())
	assert.Equal(t, 101, store.Len())
}

func TestLevelStore_Next(t *testing.T) {
	for _, tc := range storeCases(5, 1) {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.new()
			for _, px := range []Float{7, 9, 10} {
				*store.Ref(px) = 1
			}
			// An allocated but empty level is skipped.
			*store.Ref(8) = 0
			store.Release(8)

			l, ok := store.Next(10, Down)
			require.True(t, ok)
			assert.Equal(t, Float(9), l.Price)

			l, ok = store.Next(9, Down)
			require.True(t, ok)
			assert.Equal(t, Float(7), l.Price)

			_, ok = store.Next(7, Down)
			assert.False(t, ok)

			l, ok = store.Next(7, Up)
			require.True(t, ok)
			assert.Equal(t, Float(9), l.Price)

			_, ok = store.Next(10, Up)
			assert.False(t, ok)

			l, ok = store.Next(100, Down)
			require.True(t, ok, "scan from beyond the range")
			assert.Equal(t, Float(10), l.Price)

			l, ok = store.Next(1, Up)
			require.True(t, ok, "scan from below the floor")
			assert.Equal(t, Float(7), l.Price)
		})
	}
}

func TestLevelStore_Clear(t *testing.T) {
	for _, tc := range storeCases(5, 1) {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.new()
			*store.Ref(6) = 2
			*store.Ref(8) = 3
			store.Clear()

			assert.True(t, store.Get(6).IsZero())
			assert.True(t, store.Get(8).IsZero())
			_, ok := store.Next(5, Up)
			assert.False(t, ok)

			*store.Ref(7) = 1
			assert.Equal(t, Qty(1), store.Get(7))
			assert.True(t, store.Get(8).IsZero(), "cleared slots come back zeroed")
		})
	}
}

func TestPooledLevels_ReusesSlots(t *testing.T) {
	store := NewPooledLevels[Float, Qty]()
	*store.Ref(1) = 1
	*store.Ref(2) = 2
	*store.Ref(1) = 0
	store.Release(1)
	assert.Equal(t, 1, store.Len())

	*store.Ref(3) = 3
	assert.Equal(t, 2, store.Len())
	assert.Len(t, store.amounts, 2, "freed slot reused")
	assert.Equal(t, Qty(2), store.Get(2))
	assert.Equal(t, Qty(3), store.Get(3))
}
