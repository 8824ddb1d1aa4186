package ext4

import (
	"math/rand"
	"runtime"
	"sync/atomic"
)

// shardedCounter is a low-contention counter split into per-shard deltas
// that fold into a global count once they exceed a batch threshold. Reads
// come in two flavors: an approximate read of the global count alone, and
// an exact sum across every shard. The approximate read can be stale by at
// most shards*batch, which is what the accountant's watermark guards.
type shardedCounter struct {
	count  atomic.Int64
	shards []counterShard
	batch  int64
}

type counterShard struct {
	v atomic.Int64
	_ [56]byte // keep shards on separate cache lines
}

const counterBatch = 32

func newShardedCounter(initial int64) *shardedCounter {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	c := &shardedCounter{
		shards: make([]counterShard, n),
		batch:  counterBatch,
	}
	c.count.Store(initial)
	return c
}

// add applies a delta to one shard, folding the shard into the global count
// when it grows past the batch size. Lock-free.
func (c *shardedCounter) add(delta int64) {
	s := &c.shards[rand.Intn(len(c.shards))]
	v := s.v.Add(delta)
	if v >= c.batch || v <= -c.batch {
		// fold exactly what we observed; concurrent deltas stay behind
		s.v.Add(-v)
		c.count.Add(v)
	}
}

// readPositive returns the approximate value, clamped at zero.
func (c *shardedCounter) readPositive() int64 {
	v := c.count.Load()
	if v < 0 {
		return 0
	}
	return v
}

// sumPositive returns the exact value across all shards, clamped at zero.
func (c *shardedCounter) sumPositive() int64 {
	v := c.count.Load()
	for i := range c.shards {
		v += c.shards[i].v.Load()
	}
	if v < 0 {
		return 0
	}
	return v
}

// maxStaleness is the worst-case drift of readPositive against sumPositive.
func (c *shardedCounter) maxStaleness() int64 {
	return int64(len(c.shards)) * c.batch
}
