package adapter

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient writes a batch of hashes. Field values alternate name and
// value, as HSET takes them.
type RedisClient interface {
	HSetBatch(ctx context.Context, hashes map[string][]any) error
}

type goRedis struct {
	c *redis.Client
}

// NewRedisClient connects to addr and returns a RedisClient plus a close
// function.
func NewRedisClient(addr, password string, db int) (RedisClient, func() error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return goRedis{c: c}, c.Close
}

// HSetBatch sends every HSET in one pipeline round trip.
func (g goRedis) HSetBatch(ctx context.Context, hashes map[string][]any) error {
	_, err := g.c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, fields := range hashes {
			p.HSet(ctx, key, fields...)
		}
		return nil
	})
	return err
}

// bestLevels is the part of a top-of-book the Redis hash carries, apart
// from the id and timestamp. An unchanged value is not rewritten.
type bestLevels struct {
	bid, bidSize string
	ask, askSize string
}

func bestOf(tob TopOfBook) bestLevels {
	var b bestLevels
	b.bid, b.bidSize = formatLevel(tob.BestBid())
	b.ask, b.askSize = formatLevel(tob.BestAsk())
	return b
}

// RedisWriter keeps one hash per book:
//
//	book:{exchange}:{symbol} -> bid, bid_size, ask, ask_size, update_id, ts
//
// Copies arriving while a write is in flight are coalesced per book, so a
// slow Redis costs staleness rather than memory.
type RedisWriter struct {
	client RedisClient
	feed   <-chan TopOfBook
	log    *zap.Logger

	mu      sync.Mutex
	pending map[string]TopOfBook
	wake    chan struct{}

	flushMu sync.Mutex
	written map[string]bestLevels
}

// NewRedisWriter returns a writer consuming feed.
func NewRedisWriter(client RedisClient, feed <-chan TopOfBook, log *zap.Logger) *RedisWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisWriter{
		client:  client,
		feed:    feed,
		log:     log.Named("redis"),
		pending: make(map[string]TopOfBook),
		wake:    make(chan struct{}, 1),
		written: make(map[string]bestLevels),
	}
}

// Run blocks until ctx is done or feed is closed. Pending copies are
// flushed once more when feed closes.
func (rw *RedisWriter) Run(ctx context.Context) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-rw.wake:
				rw.flush(ctx)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tob, ok := <-rw.feed:
			if !ok {
				rw.flush(ctx)
				return
			}
			rw.stage(tob)
		}
	}
}

func (rw *RedisWriter) stage(tob TopOfBook) {
	rw.mu.Lock()
	rw.pending[redisKey(tob)] = tob
	rw.mu.Unlock()
	select {
	case rw.wake <- struct{}{}:
	default:
	}
}

// flush writes every pending book whose best levels changed.
func (rw *RedisWriter) flush(ctx context.Context) {
	rw.flushMu.Lock()
	defer rw.flushMu.Unlock()

	rw.mu.Lock()
	batch := rw.pending
	rw.pending = make(map[string]TopOfBook, len(batch))
	rw.mu.Unlock()

	hashes := make(map[string][]any, len(batch))
	levels := make(map[string]bestLevels, len(batch))
	for key, tob := range batch {
		best := bestOf(tob)
		if prev, ok := rw.written[key]; ok && prev == best {
			continue
		}
		levels[key] = best
		hashes[key] = []any{
			"bid", best.bid,
			"bid_size", best.bidSize,
			"ask", best.ask,
			"ask_size", best.askSize,
			"update_id", strconv.FormatUint(tob.LastUpdateID, 10),
			"ts", strconv.FormatInt(tob.Timestamp.UnixMilli(), 10),
		}
	}
	if len(hashes) == 0 {
		return
	}

	if err := rw.client.HSetBatch(ctx, hashes); err != nil {
		rw.log.Warn("hset batch failed", zap.Int("books", len(hashes)), zap.Error(err))
		for key := range hashes {
			delete(rw.written, key)
		}
		return
	}
	for key, best := range levels {
		rw.written[key] = best
	}
}

func redisKey(tob TopOfBook) string {
	return "book:" + tob.Key()
}

// formatLevel renders an absent side as "0".
func formatLevel(l PriceLevel, ok bool) (price, size string) {
	if !ok {
		return "0", "0"
	}
	return strconv.FormatFloat(l.Price, 'f', -1, 64), strconv.FormatFloat(l.Size, 'f', -1, 64)
}
