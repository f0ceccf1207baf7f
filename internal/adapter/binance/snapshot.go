package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/caesar-terminal/depth/internal/reconcile"
)

// MaxSnapshotLimit is the deepest book the depth endpoint returns.
const MaxSnapshotLimit = 5000

type rawSnapshot struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// SnapshotClient fetches depth snapshots from the REST API.
type SnapshotClient struct {
	baseURL string
	limit   int
	http    *http.Client
}

// NewSnapshotClient returns a client for baseURL (e.g.
// https://api.binance.com). limit is clamped to [1, MaxSnapshotLimit].
func NewSnapshotClient(baseURL string, limit int, client *http.Client) *SnapshotClient {
	if client == nil {
		client = http.DefaultClient
	}
	limit = max(1, min(limit, MaxSnapshotLimit))
	return &SnapshotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   limit,
		http:    client,
	}
}

// Fetch requests the current book of symbol.
func (c *SnapshotClient) Fetch(ctx context.Context, symbol string) (Snapshot, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(c.limit))
	endpoint := c.baseURL + "/api/v3/depth?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("binance: snapshot request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("binance: snapshot %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("binance: snapshot %s: status %d: %s", symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw rawSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("binance: snapshot %s: decode: %w", symbol, err)
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return Snapshot{}, fmt.Errorf("binance: snapshot %s bids: %w", symbol, err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return Snapshot{}, fmt.Errorf("binance: snapshot %s asks: %w", symbol, err)
	}
	return Snapshot{LastUpdateID: raw.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// Source returns the snapshot source for symbol's reconciler.
func (c *SnapshotClient) Source(symbol string) reconcile.Source[Snapshot] {
	return reconcile.SourceFunc[Snapshot](func(ctx context.Context) (Snapshot, error) {
		return c.Fetch(ctx, symbol)
	})
}
