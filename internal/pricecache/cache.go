// Package pricecache is the single source of truth for the freshest known
// price per (venue, marketID, outcome).
//
// The cache is fed exclusively by the venue stream clients and read by the
// arbitrage evaluator. It is hash-sharded into fixed buckets so concurrent
// venue feeds don't contend on one lock, and it performs no I/O: every
// operation is an in-memory map access under a bucket RWMutex.
//
// Semantics worth knowing:
//
//   - Monotonic-observed rule: a put whose ObservedAt is strictly older than
//     the stored point is dropped. An equal timestamp is accepted (and
//     handlers fire) so repeated best-bid confirmations can refine metadata.
//   - Prediction complement: accepting a YES put also writes NO at 100−price
//     (and vice versa) with the same ObservedAt and source, unless a fresher
//     independent reading for the complement already exists. Sportsbook
//     points are never complemented — the two legs arrive independently.
//   - Malformed updates are dropped silently with a counter; nothing on the
//     write path returns an error.
package pricecache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const bucketCount = 16

// UpdateHandler is called synchronously after every accepted put. Handlers
// must be O(1) — typically a channel send or an atomic bump. Panics are
// recovered and counted, never propagated into the write path.
type UpdateHandler func(key types.PriceKey, point types.PricePoint)

type bucket struct {
	mu     sync.RWMutex
	points map[types.PriceKey]types.PricePoint
}

// Cache stores the freshest price point per key.
type Cache struct {
	buckets [bucketCount]*bucket

	handlersMu sync.RWMutex
	handlers   []UpdateHandler

	totalUpdates atomic.Uint64

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.buckets {
		c.buckets[i] = &bucket{points: make(map[types.PriceKey]types.PricePoint)}
	}
	return c
}

func (c *Cache) bucketFor(key types.PriceKey) *bucket {
	h := fnv.New32a()
	h.Write([]byte(key.Venue))
	h.Write([]byte(key.MarketID))
	h.Write([]byte(key.Outcome))
	return c.buckets[h.Sum32()%bucketCount]
}

// Subscribe registers a listener called after every accepted put.
func (c *Cache) Subscribe(h UpdateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Put applies a normalized price update. Invalid updates and updates older
// than the stored point are dropped. Returns true if the update was stored.
func (c *Cache) Put(u types.PriceUpdate) bool {
	if !validate(u) {
		metrics.PriceUpdatesMalformed.WithLabelValues(string(u.Key.Venue)).Inc()
		return false
	}

	if !c.store(u.Key, u.Point()) {
		metrics.PriceUpdatesDroppedStale.WithLabelValues(string(u.Key.Venue)).Inc()
		return false
	}
	metrics.PriceUpdatesAccepted.WithLabelValues(string(u.Key.Venue)).Inc()
	c.totalUpdates.Add(1)
	c.notify(u.Key, u.Point())

	// Prediction markets imply the complementary outcome. The derived point
	// carries mirrored top-of-book: the complement's bid is 100 − our ask.
	if u.Kind == types.KindPrediction {
		comp := complementOf(u)
		if c.storeComplement(comp.Key, comp.Point()) {
			c.notify(comp.Key, comp.Point())
		}
	}
	return true
}

// store writes the point unless a strictly fresher one is present.
func (c *Cache) store(key types.PriceKey, p types.PricePoint) bool {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.points[key]; ok && p.ObservedAt.Before(cur.ObservedAt) {
		return false
	}
	b.points[key] = p
	return true
}

// storeComplement writes a derived point, yielding to any independent reading
// at the same instant or fresher: the derived point loses ties so a real
// venue-reported complement is never overwritten by arithmetic.
func (c *Cache) storeComplement(key types.PriceKey, p types.PricePoint) bool {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.points[key]; ok && !cur.ObservedAt.Before(p.ObservedAt) {
		return false
	}
	b.points[key] = p
	return true
}

func complementOf(u types.PriceUpdate) types.PriceUpdate {
	comp := types.PriceUpdate{
		Key:         types.PriceKey{Venue: u.Key.Venue, MarketID: u.Key.MarketID, Outcome: u.Key.Outcome.Complement()},
		Kind:        u.Kind,
		PriceCents:  100 - u.PriceCents,
		ImpliedProb: 1 - u.ImpliedProb,
		Source:      u.Source,
		ObservedAt:  u.ObservedAt,
	}
	if u.HasAsk {
		comp.HasBid = true
		comp.BestBid = 100 - u.BestAsk
		comp.BestBidSize = u.BestAskSize
	}
	if u.HasBid {
		comp.HasAsk = true
		comp.BestAsk = 100 - u.BestBid
		comp.BestAskSize = u.BestBidSize
	}
	return comp
}

// Get returns the stored point for a key.
func (c *Cache) Get(key types.PriceKey) (types.PricePoint, bool) {
	b := c.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.points[key]
	return p, ok
}

// GetEffective returns the best usable price for one leg: the stream point if
// one exists and is no older than maxAge, otherwise the snapshot price
// embedded in the market metadata (source=snapshot, aged from the snapshot
// build time). The second return is false only when neither exists.
func (c *Cache) GetEffective(m types.VenueMarket, outcome types.Outcome, maxAge time.Duration) (types.PricePoint, bool) {
	key := types.PriceKey{Venue: m.Venue, MarketID: m.ID, Outcome: outcome}
	if p, ok := c.Get(key); ok && c.now().Sub(p.ObservedAt) <= maxAge {
		return p, true
	}

	cents := m.YesPriceCents
	if outcome == types.OutcomeNo {
		cents = m.NoPriceCents
	}
	if cents <= 0 || m.CreatedAt.IsZero() {
		return types.PricePoint{}, false
	}
	return types.PricePoint{
		PriceCents:  cents,
		ImpliedProb: cents / 100,
		Source:      types.SourceSnapshot,
		ObservedAt:  m.CreatedAt,
	}, true
}

// IsStale reports whether the key is missing or older than maxAge.
func (c *Cache) IsStale(key types.PriceKey, maxAge time.Duration) bool {
	p, ok := c.Get(key)
	if !ok {
		return true
	}
	return c.now().Sub(p.ObservedAt) > maxAge
}

// Stats summarizes cache contents for the heartbeat.
func (c *Cache) Stats() types.CacheStats {
	stats := types.CacheStats{
		PointsByVenue: make(map[types.Venue]int),
		TotalUpdates:  c.totalUpdates.Load(),
	}

	now := c.now()
	var oldest, newest time.Duration
	first := true
	for _, b := range c.buckets {
		b.mu.RLock()
		for key, p := range b.points {
			stats.PointsByVenue[key.Venue]++
			age := now.Sub(p.ObservedAt)
			if first || age > oldest {
				oldest = age
			}
			if first || age < newest {
				newest = age
			}
			first = false
		}
		b.mu.RUnlock()
	}
	if !first {
		stats.OldestAgeMs = oldest.Milliseconds()
		stats.NewestAgeMs = newest.Milliseconds()
	}
	return stats
}

// Clear empties the cache. Used only on shutdown and venue unsubscribe.
func (c *Cache) Clear() {
	for _, b := range c.buckets {
		b.mu.Lock()
		b.points = make(map[types.PriceKey]types.PricePoint)
		b.mu.Unlock()
	}
}

// DropMarket removes both outcomes of a market, used when a venue
// unsubscribes so stale points can't feed evaluations later.
func (c *Cache) DropMarket(v types.Venue, marketID string) {
	for _, o := range []types.Outcome{types.OutcomeYes, types.OutcomeNo} {
		key := types.PriceKey{Venue: v, MarketID: marketID, Outcome: o}
		b := c.bucketFor(key)
		b.mu.Lock()
		delete(b.points, key)
		b.mu.Unlock()
	}
}

func (c *Cache) notify(key types.PriceKey, p types.PricePoint) {
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerPanics.Inc()
				}
			}()
			h(key, p)
		}()
	}
}

func validate(u types.PriceUpdate) bool {
	if !u.Key.Venue.Valid() || u.Key.MarketID == "" {
		return false
	}
	if u.Key.Outcome != types.OutcomeYes && u.Key.Outcome != types.OutcomeNo {
		return false
	}
	if u.ObservedAt.IsZero() {
		return false
	}
	if u.PriceCents < 0 || u.PriceCents > 100 {
		return false
	}
	if u.ImpliedProb < 0 || u.ImpliedProb > 1 {
		return false
	}
	if u.Kind == types.KindSportsbook && u.DecimalOdds != 0 && u.DecimalOdds < 1.01 {
		return false
	}
	return true
}
