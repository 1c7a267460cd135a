// Package bufferpool implements the engine's buffer pool: a bounded cache
// of fixed-size pages with pin/unpin reference counting, a pluggable
// eviction policy, and WAL-disciplined dirty-page flushing. It is the
// standalone Component C of the storage engine — it drives page I/O
// directly through a PageSource rather than through the legacy cached
// pager, so eviction policy and pinning live in exactly one place.
package bufferpool

import (
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/txcore/engine/internal/errs"
	"github.com/txcore/engine/internal/storage/pager"
)

// PageSource is the uncached page I/O surface the pool drives directly.
// *pager.Pager satisfies it via ReadPageDirect/WritePageDirect/Fsync.
type PageSource interface {
	ReadPageDirect(id pager.PageID) ([]byte, error)
	WritePageDirect(id pager.PageID, buf []byte) error
	Fsync() error
	PageSize() int
}

// FlushBarrier blocks until the WAL is durable up to at least lsn. The pool
// calls it before writing a dirty frame to enforce WAL discipline: no dirty
// page reaches disk before the WAL record describing its last mutation is
// fsynced (§4.D/§4.B of the specification this implements).
type FlushBarrier func(lsn pager.LSN) error

// Frame is one resident page plus its pool-owned metadata. Bytes are
// guarded by mu so that concurrent pin/read and flush cannot race; pinCount
// is separate and atomic so Unpin does not need the frame latch.
type Frame struct {
	id       pager.PageID
	mu       sync.RWMutex
	buf      []byte
	dirty    bool
	lsn      pager.LSN
	pinCount int32
}

// PinCount returns the current pin count (for introspection/tests).
func (f *Frame) PinCount() int32 { return atomic.LoadInt32(&f.pinCount) }

// Bytes returns the frame's page buffer. Callers must hold a pin and should
// treat concurrent mutation as the frame latch (Frame.mu) governs it; typed
// accessors above this layer (slotted page, B+Tree node) serialize through
// the pager's own transaction discipline.
func (f *Frame) Bytes() []byte { return f.buf }

const numShards = 64

type shard struct {
	mu     sync.Mutex
	frames map[pager.PageID]*Frame
}

// Config configures a Pool.
type Config struct {
	MaxFrames int    // total resident frame budget across all shards
	Policy    string // "clock" (default) or "lru"
}

// Pool is the sharded, pinnable page cache.
type Pool struct {
	src       PageSource
	barrier   FlushBarrier
	shards    [numShards]*shard
	seed      maphash.Seed
	maxFrames int32
	resident  int32 // atomic count of frames currently resident, for the cap
	policy    EvictionPolicy
	policyMu  sync.Mutex // victim selection is serialized across shards
	logger    *slog.Logger

	stats Stats
}

// Stats are cumulative, read via BufferPoolStats() for the admin surface.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Flushes   int64
}

// New constructs a Pool over src. barrier may be nil during bootstrap
// (before a WAL manager exists); Flush then degrades to "write immediately"
// which is only safe before any WAL-backed transaction has run.
func New(src PageSource, barrier FlushBarrier, cfg Config) *Pool {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 1000
	}
	p := &Pool{
		src:       src,
		barrier:   barrier,
		maxFrames: int32(cfg.MaxFrames),
		policy:    NewPolicy(cfg.Policy),
		seed:      maphash.MakeSeed(),
		logger:    slog.Default(),
	}
	for i := range p.shards {
		p.shards[i] = &shard{frames: make(map[pager.PageID]*Frame)}
	}
	return p
}

func (p *Pool) shardFor(id pager.PageID) *shard {
	var h maphash.Hash
	h.SetSeed(p.seed)
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(id), byte(id>>8), byte(id>>16), byte(id>>24)
	h.Write(b[:])
	return p.shards[h.Sum64()%numShards]
}

// isPinned is the eviction-policy callback: it looks id up in the shard
// that owns it and reports true when the page is not resident there or is
// resident with a non-zero pin count.
func (p *Pool) isPinned(id pager.PageID) bool {
	sh := p.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	f, ok := sh.frames[id]
	if !ok {
		return true // no longer resident — not a valid victim either
	}
	return atomic.LoadInt32(&f.pinCount) > 0
}

// FrameGuard is a scoped pin on a resident page. Release via Unpin.
type FrameGuard struct {
	pool  *Pool
	frame *Frame
}

// Bytes returns the guarded page's bytes.
func (g *FrameGuard) Bytes() []byte { return g.frame.Bytes() }

// ID returns the guarded page's ID.
func (g *FrameGuard) ID() pager.PageID { return g.frame.id }

// Pin returns a pinned FrameGuard for id, reading it from the PageSource on
// a cache miss and evicting a victim first if the pool is at capacity.
func (p *Pool) Pin(id pager.PageID) (*FrameGuard, error) {
	sh := p.shardFor(id)

	sh.mu.Lock()
	if f, ok := sh.frames[id]; ok {
		atomic.AddInt32(&f.pinCount, 1)
		sh.mu.Unlock()
		p.policy.Touch(id)
		atomic.AddInt64(&p.stats.Hits, 1)
		return &FrameGuard{pool: p, frame: f}, nil
	}
	sh.mu.Unlock()
	atomic.AddInt64(&p.stats.Misses, 1)

	if err := p.ensureCapacity(); err != nil {
		return nil, err
	}

	buf, err := p.src.ReadPageDirect(id)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoFailure, err, fmt.Sprintf("read page %d", id))
	}

	f := &Frame{id: id, buf: buf, pinCount: 1}
	sh.mu.Lock()
	if existing, ok := sh.frames[id]; ok {
		// Lost a race against a concurrent miss on the same page.
		atomic.AddInt32(&existing.pinCount, 1)
		sh.mu.Unlock()
		p.policy.Touch(id)
		return &FrameGuard{pool: p, frame: existing}, nil
	}
	sh.frames[id] = f
	sh.mu.Unlock()

	atomic.AddInt32(&p.resident, 1)
	p.policy.Add(id)
	return &FrameGuard{pool: p, frame: f}, nil
}

// ensureCapacity evicts one victim if the pool is at or above its budget.
func (p *Pool) ensureCapacity() error {
	if atomic.LoadInt32(&p.resident) < p.maxFrames {
		return nil
	}
	p.policyMu.Lock()
	defer p.policyMu.Unlock()
	// Re-check under the eviction lock: another goroutine may already have
	// made room.
	if atomic.LoadInt32(&p.resident) < p.maxFrames {
		return nil
	}
	victim, ok := p.policy.Victim(p.isPinned)
	if !ok {
		return errs.New(errs.KindBufferPoolExhausted, "no evictable frame under current policy")
	}
	return p.evict(victim)
}

// evict flushes (if dirty) and removes a specific page from the pool.
func (p *Pool) evict(id pager.PageID) error {
	sh := p.shardFor(id)
	sh.mu.Lock()
	f, ok := sh.frames[id]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	if atomic.LoadInt32(&f.pinCount) > 0 {
		sh.mu.Unlock()
		return errs.New(errs.KindInvariantViolation, fmt.Sprintf("attempted to evict pinned page %d", id))
	}
	delete(sh.frames, id)
	sh.mu.Unlock()

	if err := p.flushFrame(f); err != nil {
		// Put it back — eviction failed, the frame is still resident.
		sh.mu.Lock()
		sh.frames[id] = f
		sh.mu.Unlock()
		return err
	}
	p.policy.Remove(id)
	atomic.AddInt32(&p.resident, -1)
	atomic.AddInt64(&p.stats.Evictions, 1)
	return nil
}

// flushFrame writes a dirty frame to the PageSource, enforcing WAL
// discipline first: the WAL must be durable at least up to the frame's LSN.
func (p *Pool) flushFrame(f *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	if p.barrier != nil {
		if err := p.barrier(f.lsn); err != nil {
			return errs.Wrap(errs.KindIoFailure, err, "WAL flush barrier before page write")
		}
	}
	if err := p.src.WritePageDirect(f.id, f.buf); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, fmt.Sprintf("write page %d", f.id))
	}
	f.dirty = false
	atomic.AddInt64(&p.stats.Flushes, 1)
	return nil
}

// Unpin releases a FrameGuard. If dirty is true the frame's dirty flag is
// set and lsn recorded as the latest WAL record describing the mutation;
// the caller must have already appended that WAL record.
func (p *Pool) Unpin(g *FrameGuard, dirty bool, lsn pager.LSN) {
	f := g.frame
	if dirty {
		f.mu.Lock()
		f.dirty = true
		if lsn > f.lsn {
			f.lsn = lsn
		}
		f.mu.Unlock()
	}
	if n := atomic.AddInt32(&f.pinCount, -1); n < 0 {
		atomic.StoreInt32(&f.pinCount, 0)
		p.logger.Error("pin count underflow", "page_id", f.id)
	}
}

// Flush writes a single page if dirty, without evicting it.
func (p *Pool) Flush(id pager.PageID) error {
	sh := p.shardFor(id)
	sh.mu.Lock()
	f, ok := sh.frames[id]
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	return p.flushFrame(f)
}

// FlushAll writes every dirty resident page. Used at checkpoint.
func (p *Pool) FlushAll() error {
	for _, sh := range p.shards {
		sh.mu.Lock()
		frames := make([]*Frame, 0, len(sh.frames))
		for _, f := range sh.frames {
			frames = append(frames, f)
		}
		sh.mu.Unlock()
		for _, f := range frames {
			if err := p.flushFrame(f); err != nil {
				return err
			}
		}
	}
	return p.src.Fsync()
}

// Prefetch issues reads for ids not already resident, without pinning them
// or blocking on already-resident pages. Errors for individual pages are
// logged and skipped — prefetch is advisory.
func (p *Pool) Prefetch(ids []pager.PageID) {
	for _, id := range ids {
		sh := p.shardFor(id)
		sh.mu.Lock()
		_, resident := sh.frames[id]
		sh.mu.Unlock()
		if resident {
			continue
		}
		g, err := p.Pin(id)
		if err != nil {
			p.logger.Debug("prefetch skipped", "page_id", id, "err", err)
			continue
		}
		p.Unpin(g, false, 0)
	}
}

// Snapshot returns a snapshot of cumulative pool counters, for
// buffer_pool_stats() (§6).
func (p *Pool) Snapshot() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&p.stats.Hits),
		Misses:    atomic.LoadInt64(&p.stats.Misses),
		Evictions: atomic.LoadInt64(&p.stats.Evictions),
		Flushes:   atomic.LoadInt64(&p.stats.Flushes),
	}
}

// Resident returns the number of pages currently resident.
func (p *Pool) Resident() int32 { return atomic.LoadInt32(&p.resident) }
