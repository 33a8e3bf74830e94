package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedScorer memoizes raw scores per record. Scores are deterministic and
// batch-invariant for a given model, so a cached score equals a fresh one
// until the model changes; Purge must be called on reload.
type CachedScorer struct {
	next  Scorer
	cache *lru.Cache[string, float64]

	mu         sync.Mutex
	generation uint64
	hits       atomic.Int64
	misses     atomic.Int64
}

func NewCachedScorer(next Scorer, size int) (*CachedScorer, error) {
	if next == nil {
		return nil, fmt.Errorf("cached scorer needs an inner scorer")
	}
	cache, err := lru.New[string, float64](size)
	if err != nil {
		return nil, fmt.Errorf("creating score cache: %w", err)
	}
	return &CachedScorer{next: next, cache: cache}, nil
}

func (c *CachedScorer) Name() string { return c.next.Name() }

func (c *CachedScorer) Info() ModelInfo { return c.next.Info() }

func (c *CachedScorer) Score(ctx context.Context, records []Record) ([]float64, error) {
	out := make([]float64, len(records))
	keys := make([]string, len(records))
	var missIndexes []int
	var missRecords []Record
	for idx, record := range records {
		keys[idx] = recordKey(record)
		if score, ok := c.cache.Get(keys[idx]); ok {
			out[idx] = score
			c.hits.Add(1)
			continue
		}
		c.misses.Add(1)
		missIndexes = append(missIndexes, idx)
		missRecords = append(missRecords, record)
	}
	if len(missRecords) == 0 {
		return out, nil
	}

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	scores, err := c.next.Score(ctx, missRecords)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(missRecords) {
		return nil, fmt.Errorf(
			"%w: scorer returned %d scores for %d records",
			ErrBackendProtocol,
			len(scores),
			len(missRecords),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	store := generation == c.generation
	for j, idx := range missIndexes {
		out[idx] = scores[j]
		if store {
			c.cache.Add(keys[idx], scores[j])
		}
	}
	return out, nil
}

// Purge drops every cached score. Scores computed before the purge and
// returned after it are not stored.
func (c *CachedScorer) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cache.Purge()
}

func (c *CachedScorer) Len() int { return c.cache.Len() }

func (c *CachedScorer) Stats() (hits int64, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// recordKey is a bit-exact fingerprint; -0 and +0 or distinct NaN payloads
// map to different keys.
func recordKey(record Record) string {
	size := 8 + 4*len(record.Numeric)
	for _, value := range record.Categorical {
		size += 4 + len(value)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(record.Numeric)))
	for _, value := range record.Numeric {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(value))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(record.Categorical)))
	for _, value := range record.Categorical {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
		buf = append(buf, value...)
	}
	return string(buf)
}
