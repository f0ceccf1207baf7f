package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter/itch"
)

// result summarises a replay.
type result struct {
	Messages uint64
	Bytes    int64
	// Rejected counts messages the order table refused, such as executions
	// of orders added before the file starts.
	Rejected uint64
	Elapsed  time.Duration
}

// replay feeds every message of r into p. Order table rejections are
// counted and skipped; framing errors stop the replay.
func replay(r *itch.Reader, p *itch.Processor, log *zap.Logger) (result, error) {
	var res result
	start := time.Now()
	for {
		msg, err := r.Next()
		if err != nil {
			res.Elapsed = time.Since(start)
			res.Bytes = r.Offset()
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
		res.Messages++
		if err := p.Process(msg); err != nil {
			res.Rejected++
			if res.Rejected <= 10 {
				log.Debug("message rejected", zap.Error(err), zap.Int64("offset", r.Offset()))
			}
		}
	}
}

func report(w io.Writer, res result, p *itch.Processor, symbols []string, top int) {
	rate := 0.0
	if res.Elapsed > 0 {
		rate = float64(res.Messages) / res.Elapsed.Seconds()
	}
	fmt.Fprintf(w, "messages %d  bytes %d  rejected %d  elapsed %s  %.0f msg/s\n",
		res.Messages, res.Bytes, res.Rejected, res.Elapsed.Round(time.Millisecond), rate)
	if res.Messages > 0 {
		fmt.Fprintf(w, "latency %.1f ns/msg  open orders %d\n",
			float64(res.Elapsed.Nanoseconds())/float64(res.Messages), p.OpenOrders())
	}

	counts := p.Counts()
	types := make([]byte, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(w, "  %c %d\n", t, counts[t])
	}

	for _, sym := range symbols {
		b, ok := p.Book(sym)
		if !ok {
			fmt.Fprintf(w, "%s: no book\n", sym)
			continue
		}
		fmt.Fprintf(w, "%s (update %d)\n", sym, b.LastUpdateID())
		asks := b.Asks().TopLevels(top)
		for i := len(asks) - 1; i >= 0; i-- {
			fmt.Fprintf(w, "  ask %10.4f %8d\n", asks[i].Price.Float64(), int64(asks[i].Amount))
		}
		for _, l := range b.Bids().TopLevels(top) {
			fmt.Fprintf(w, "  bid %10.4f %8d\n", l.Price.Float64(), int64(l.Amount))
		}
	}
}
