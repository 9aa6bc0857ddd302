// Package prefix maintains the router-side approximation of each worker's
// KV cache: which prefix blocks a worker is believed to hold, tracked as
// chained block hashes with per-worker LRU eviction to bound memory. The
// index never queries workers; it learns from routing decisions and from
// cache events the workers publish.
package prefix

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gaspardpetit/kvroute/internal/sched"
)

// DefaultCapacity is the default number of block hashes tracked per worker.
const DefaultCapacity = 10000

// Index tracks believed cache contents per worker. All methods are safe for
// concurrent use.
type Index struct {
	mu        sync.Mutex
	blockSize int
	capacity  int
	workers   map[sched.WorkerID]*lru.Cache[string, struct{}]
}

// NewIndex creates an index for the given block size with a per-worker LRU
// capacity. capacity <= 0 selects DefaultCapacity.
func NewIndex(blockSize, capacity int) (*Index, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("prefix: block size must be positive, got %d", blockSize)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Index{
		blockSize: blockSize,
		capacity:  capacity,
		workers:   make(map[sched.WorkerID]*lru.Cache[string, struct{}]),
	}, nil
}

// BlockSize reports the token block size the index hashes with.
func (ix *Index) BlockSize() int { return ix.blockSize }

// BlockHashes returns the chained block hashes for tokens at the index's
// block size.
func (ix *Index) BlockHashes(tokens []uint32) []string {
	return BlockHashes(ix.blockSize, tokens)
}

// Scores reports, per worker, how many of the given hashes match cached
// blocks consecutively from the start. Workers with no match are omitted.
// Matching does not refresh LRU recency; only Observe and cache events do.
func (ix *Index) Scores(hashes []string) sched.OverlapScores {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	scores := make(sched.OverlapScores)
	for id, cache := range ix.workers {
		matched := uint32(0)
		for _, h := range hashes {
			if !cache.Contains(h) {
				break
			}
			matched++
		}
		if matched > 0 {
			scores[id] = matched
		}
	}
	return scores
}

// Observe records that the worker is about to hold these blocks. It is
// called on the routing path when a request is dispatched, before any cache
// event can confirm the blocks.
func (ix *Index) Observe(id sched.WorkerID, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cache := ix.cacheFor(id)
	for _, h := range hashes {
		cache.Add(h, struct{}{})
	}
}

// ApplyStored records blocks a worker reported storing. Hashes win over
// token ids; token ids are chained off parent when no hashes were sent.
func (ix *Index) ApplyStored(id sched.WorkerID, ev BlockStored) {
	hashes := ev.BlockHashes
	if len(hashes) == 0 {
		parent := ""
		if ev.ParentBlockHash != nil {
			parent = *ev.ParentBlockHash
		}
		size := ev.BlockSize
		if size <= 0 {
			size = ix.blockSize
		}
		hashes = blockHashesFrom(parent, size, ev.TokenIDs)
	}
	ix.Observe(id, hashes)
}

// ApplyRemoved drops blocks a worker reported evicting.
func (ix *Index) ApplyRemoved(id sched.WorkerID, ev BlockRemoved) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cache, ok := ix.workers[id]
	if !ok {
		return
	}
	for _, h := range ev.BlockHashes {
		cache.Remove(h)
	}
}

// Clear forgets everything tracked for a worker, keeping the worker known.
func (ix *Index) Clear(id sched.WorkerID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cache, ok := ix.workers[id]; ok {
		cache.Purge()
	}
}

// DropWorker removes a departed worker from the index entirely.
func (ix *Index) DropWorker(id sched.WorkerID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.workers, id)
}

// BlockCount reports how many blocks are tracked for a worker.
func (ix *Index) BlockCount(id sched.WorkerID) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cache, ok := ix.workers[id]
	if !ok {
		return 0
	}
	return cache.Len()
}

func (ix *Index) cacheFor(id sched.WorkerID) *lru.Cache[string, struct{}] {
	cache, ok := ix.workers[id]
	if !ok {
		// capacity is validated in NewIndex, so this cannot fail.
		cache, _ = lru.New[string, struct{}](ix.capacity)
		ix.workers[id] = cache
	}
	return cache
}
