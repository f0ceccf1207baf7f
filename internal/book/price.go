package book

import "math"

// Price is the capability set the book needs from a price representation.
// Tick methods take the tick size expressed in the same representation.
type Price[P any] interface {
	comparable

	// Less reports whether the receiver is strictly below other.
	Less(other P) bool

	// TickIndex returns the integer number of ticks the price represents.
	TickIndex(tick P) int64

	// RoundToTick quantizes the price. It always equals
	// tick.Ticks(p.TickIndex(tick)).
	RoundToTick(tick P) P

	// Ticks is called on a tick size and returns n ticks as a price.
	Ticks(n int64) P

	// Scale multiplies the price by f. Used only to derive indexer floors.
	Scale(f float64) P

	Float64() float64
}

// Float is a floating-point price.
type Float float64

func (p Float) Less(other Float) bool { return p < other }

// TickIndex rounds half up, matching RoundToTick.
func (p Float) TickIndex(tick Float) int64 {
	scale := 1 / float64(tick)
	return int64(math.Floor(float64(p)*scale + 0.5))
}

func (p Float) RoundToTick(tick Float) Float {
	return tick.Ticks(p.TickIndex(tick))
}

// Ticks divides by the inverse tick rather than multiplying by the tick so
// that the result is bit-identical to RoundToTick for the same index.
func (p Float) Ticks(n int64) Float {
	return Float(float64(n) / (1 / float64(p)))
}

func (p Float) Scale(f float64) Float { return Float(float64(p) * f) }

func (p Float) Float64() float64 { return float64(p) }

// Exponent names the number of implied decimals of a Fixed price.
type Exponent interface {
	Decimals() int
}

// E2 is two implied decimals (cents).
type E2 struct{}

// E4 is four implied decimals.
type E4 struct{}

// E5 is five implied decimals.
type E5 struct{}

func (E2) Decimals() int { return 2 }
func (E4) Decimals() int { return 4 }
func (E5) Decimals() int { return 5 }

// Fixed is a fixed-point price stored as an integer mantissa with E implied
// decimals.
type Fixed[E Exponent] int64

type (
	// Cents is used for binary contracts quoted in whole cents.
	Cents = Fixed[E2]
	// Price4 is the NASDAQ ITCH price encoding.
	Price4 = Fixed[E4]
	// Decimal5 is the MOEX SIMBA price encoding.
	Decimal5 = Fixed[E5]
)

func (p Fixed[E]) Less(other Fixed[E]) bool { return p < other }

// TickIndex rounds half up like Float.TickIndex. Floor division keeps
// negative prices on the same rule.
func (p Fixed[E]) TickIndex(tick Fixed[E]) int64 {
	t := int64(tick)
	return floorDiv(2*int64(p)+t, 2*t)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (p Fixed[E]) RoundToTick(tick Fixed[E]) Fixed[E] {
	return tick.Ticks(p.TickIndex(tick))
}

func (p Fixed[E]) Ticks(n int64) Fixed[E] { return Fixed[E](n * int64(p)) }

func (p Fixed[E]) Scale(f float64) Fixed[E] {
	return Fixed[E](math.Round(float64(p) * f))
}

func (p Fixed[E]) Float64() float64 {
	var e E
	return float64(p) / math.Pow10(e.Decimals())
}

// FixedFromFloat converts a float to the nearest Fixed mantissa.
func FixedFromFloat[E Exponent](f float64) Fixed[E] {
	var e E
	return Fixed[E](math.Round(f * math.Pow10(e.Decimals())))
}

// Amount is the capability set the book needs from a resting quantity.
// D is the type of a signed adjustment.
type Amount[A any, D any] interface {
	IsZero() bool

	// Add applies a signed delta. ok is false when the result would be
	// negative; the returned value is then meaningless.
	Add(delta D) (sum A, ok bool)

	Float64() float64
}

// Qty is a floating-point amount adjusted by Qty deltas.
type Qty float64

func (q Qty) IsZero() bool { return q == 0 }

func (q Qty) Add(delta Qty) (Qty, bool) {
	s := q + delta
	return s, s >= 0
}

func (q Qty) Float64() float64 { return float64(q) }

// Lots is an integer amount (shares, contracts) adjusted by int64 deltas.
type Lots int64

func (l Lots) IsZero() bool { return l == 0 }

func (l Lots) Add(delta int64) (Lots, bool) {
	s := int64(l) + delta
	return Lots(s), s >= 0
}

func (l Lots) Float64() float64 { return float64(l) }

// Level is the outstanding amount at one price.
type Level[P any, A any] struct {
	Price  P
	Amount A
}

// Delta is a signed change of the amount at one price.
type Delta[P any, D any] struct {
	Price P
	Delta D
}
