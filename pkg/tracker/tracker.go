// Package tracker implements the per-agent context tracker: a map of
// workspace-relative paths to FileNode state, with heat decay, turn-based
// garbage collection, and a seq-ordered delta ring for subscriber replay,
// per spec.md §4.1.
package tracker

import (
	"sync"

	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// Clock abstracts wall-clock milliseconds so tests can drive decay and GC
// deterministically instead of sleeping real time.
type Clock interface {
	NowMs() int64
}

// Options configures decay/GC/ring behavior. Zero values are replaced with
// the documented defaults in New.
type Options struct {
	// DecayMs is the wall-clock half-life-ish constant: heat decreases
	// linearly by dt/DecayMs per elapsed millisecond. Default 1500ms,
	// per spec.md §4.1.
	DecayMs int64
	// GCTurns is the number of turns since its last access after which a
	// node below Epsilon heat is evicted. Default 8.
	GCTurns uint64
	// Epsilon is the heat floor below which a stale node becomes
	// eligible for eviction. Default 1e-3.
	Epsilon float64
	// RingCapacity bounds the (seq, change) replay ring. Default 512.
	RingCapacity int
}

func (o Options) withDefaults() Options {
	if o.DecayMs <= 0 {
		o.DecayMs = 1500
	}
	if o.GCTurns == 0 {
		o.GCTurns = 8
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 1e-3
	}
	if o.RingCapacity <= 0 {
		o.RingCapacity = 512
	}
	return o
}

// ringEntry pairs a seq with the delta that produced it, so delta_since can
// replay everything strictly after a subscriber's last-seen seq.
type ringEntry struct {
	seq     uint64
	updates []wire.FileNode
	removed []string
}

// Tracker is one agent's live view of file activity. All mutating methods
// must be called from a single owning goroutine (spec.md §5: "the tracker
// is owned by a single task; all mutations go through it to avoid locks on
// the hot path"). The mutex below exists solely to let Snapshot/DeltaSince
// be called from a concurrent reader (e.g. the TCP accept loop taking an
// initial snapshot) without staging a full channel round-trip; Snapshot
// only advances seq, which the mutex also guards. It is never held across
// an I/O call.
type Tracker struct {
	mu sync.Mutex

	agentID   string
	sessionID string
	opts      Options
	clock     Clock

	nodes map[string]wire.FileNode
	turn  uint64
	seq   uint64

	ring      []ringEntry
	ringStart int
	ringLen   int

	// pending accumulates updates/removals since the last emitted delta,
	// flushed by Tick or an explicit Delta() call.
	pendingUpdates map[string]wire.FileNode
	pendingRemoved map[string]struct{}

	lastTouchTurn map[string]uint64

	lastTickMs   int64
	haveLastTick bool
}

// systemClock uses time.Now(); kept in its own tiny file so Tracker's core
// logic never imports "time" directly and tests can swap in a fake Clock
// without a seam around a package-level function.
type systemClock struct{}

// New constructs a Tracker for one agent/session pair. If clock is nil, a
// wall-clock implementation is used.
func New(agentID, sessionID string, opts Options, clock Clock) *Tracker {
	if clock == nil {
		clock = systemClock{}
	}
	return &Tracker{
		agentID:        agentID,
		sessionID:      sessionID,
		opts:           opts.withDefaults(),
		clock:          clock,
		nodes:          make(map[string]wire.FileNode),
		pendingUpdates: make(map[string]wire.FileNode),
		pendingRemoved: make(map[string]struct{}),
		lastTouchTurn:  make(map[string]uint64),
	}
}

// FileAccess records that path was touched by action at nowMs, per
// spec.md §4.1's file_access. It never fails: an unknown path is created.
func (t *Tracker) FileAccess(path string, action wire.Action, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := wire.FileNode{
		Path:         path,
		Heat:         1.0,
		InContext:    action.InContext(),
		LastAction:   action,
		TurnAccessed: t.turn,
		TimestampMs:  nowMs,
	}
	t.nodes[path] = node
	t.lastTouchTurn[path] = t.turn
	t.pendingUpdates[path] = node
	delete(t.pendingRemoved, path)
}

// FileAccessDenied records a zone-denied access attempt at heat 0, per
// spec.md §7's ZoneViolation handling ("emit a delta noting the denied path
// with last_action = write|read and heat = 0") — distinct from FileAccess,
// which always sets heat to 1.0, since a denied access never actually
// touched the file.
func (t *Tracker) FileAccessDenied(path string, action wire.Action, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := wire.FileNode{
		Path:         path,
		Heat:         0,
		InContext:    false,
		LastAction:   action,
		TurnAccessed: t.turn,
		TimestampMs:  nowMs,
	}
	t.nodes[path] = node
	t.lastTouchTurn[path] = t.turn
	t.pendingUpdates[path] = node
	delete(t.pendingRemoved, path)
}

// Tick advances the turn counter, applies linear heat decay based on
// elapsed wall-clock time since the previous tick, and evicts nodes whose
// heat is below Epsilon and which have not been accessed for at least
// GCTurns turns. Tick is
// idempotent against nowMs equal to the previous call's nowMs (decay
// contributes zero elapsed time, and the turn still advances). It returns
// the number of nodes evicted this call, so callers can report
// eisen_nodes_evicted_total without the tracker depending on a metrics
// package of its own.
func (t *Tracker) Tick(nowMs int64, prevNowMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.turn++
	dt := nowMs - prevNowMs
	if dt < 0 {
		dt = 0
	}
	decayAmount := float64(dt) / float64(t.opts.DecayMs)

	evicted := 0
	for path, node := range t.nodes {
		node.Heat -= decayAmount
		if node.Heat < 0 {
			node.Heat = 0
		}
		t.nodes[path] = node

		if node.Heat < t.opts.Epsilon {
			turnsSinceTouch := t.turn - t.lastTouchTurn[path]
			if turnsSinceTouch >= t.opts.GCTurns {
				delete(t.nodes, path)
				delete(t.lastTouchTurn, path)
				delete(t.pendingUpdates, path)
				t.pendingRemoved[path] = struct{}{}
				evicted++
			}
		}
	}
	return evicted
}

// Snapshot captures the entire path→FileNode table, reading the current seq
// before advancing it, so a fresh tracker's first snapshot is seq 0, per
// spec.md §8 scenario 6 ("snapshot --path ./fixtures/empty" prints seq: 0).
// Pending updates/removals are left in place, so a snapshot never silently
// discards an in-flight change a subscriber hasn't seen as a delta yet: the
// next Delta still carries it, at a seq greater than this snapshot's.
func (t *Tracker) Snapshot() wire.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq
	t.seq++
	nodes := make(map[string]wire.FileNode, len(t.nodes))
	for k, v := range t.nodes {
		nodes[k] = v
	}
	return wire.NewSnapshot(t.agentID, t.sessionID, seq, nodes)
}

// Delta flushes any pending updates/removals into a single Delta message at
// a freshly incremented seq and records it on the ring for later replay via
// DeltaSince. Returns (Delta{}, false) if there is nothing pending.
func (t *Tracker) Delta() (wire.Delta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Tracker) flushLocked() (wire.Delta, bool) {
	if len(t.pendingUpdates) == 0 && len(t.pendingRemoved) == 0 {
		return wire.Delta{}, false
	}
	t.seq++
	seq := t.seq

	updates := make([]wire.FileNode, 0, len(t.pendingUpdates))
	for _, n := range t.pendingUpdates {
		updates = append(updates, n)
	}
	removed := make([]string, 0, len(t.pendingRemoved))
	for p := range t.pendingRemoved {
		removed = append(removed, p)
	}

	t.appendRingLocked(seq, updates, removed)
	t.clearPendingLocked()

	return wire.NewDelta(t.agentID, t.sessionID, seq, updates, removed), true
}

func (t *Tracker) clearPendingLocked() {
	t.pendingUpdates = make(map[string]wire.FileNode)
	t.pendingRemoved = make(map[string]struct{})
}

func (t *Tracker) appendRingLocked(seq uint64, updates []wire.FileNode, removed []string) {
	entry := ringEntry{seq: seq, updates: updates, removed: removed}
	cap := t.opts.RingCapacity
	if t.ring == nil {
		t.ring = make([]ringEntry, cap)
	}
	idx := (t.ringStart + t.ringLen) % cap
	if t.ringLen < cap {
		t.ring[idx] = entry
		t.ringLen++
	} else {
		t.ring[t.ringStart] = entry
		t.ringStart = (t.ringStart + 1) % cap
	}
}

// ErrStaleCursor is returned by DeltaSince when lastSeq predates the ring's
// oldest retained entry; the caller must take a fresh Snapshot instead.
var ErrStaleCursor = staleCursorError{}

type staleCursorError struct{}

func (staleCursorError) Error() string { return "tracker: stale cursor, re-snapshot required" }

// DeltaSince returns the accumulated updates/removals with seq > lastSeq as
// a single merged Delta, or ErrStaleCursor if lastSeq is older than the
// ring's oldest entry. If lastSeq is already current (no entries newer),
// it returns (Delta{}, false, nil).
func (t *Tracker) DeltaSince(lastSeq uint64) (wire.Delta, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ringLen == 0 {
		if lastSeq >= t.seq {
			return wire.Delta{}, false, nil
		}
		return wire.Delta{}, false, ErrStaleCursor
	}

	oldestSeq := t.ring[t.ringStart].seq
	if oldestSeq > 0 && lastSeq+1 < oldestSeq {
		return wire.Delta{}, false, ErrStaleCursor
	}

	updatesByPath := make(map[string]wire.FileNode)
	removedSet := make(map[string]struct{})
	var maxSeq uint64
	found := false

	for i := 0; i < t.ringLen; i++ {
		idx := (t.ringStart + i) % len(t.ring)
		entry := t.ring[idx]
		if entry.seq <= lastSeq {
			continue
		}
		found = true
		for _, u := range entry.updates {
			updatesByPath[u.Path] = u
			delete(removedSet, u.Path)
		}
		for _, r := range entry.removed {
			removedSet[r] = struct{}{}
			delete(updatesByPath, r)
		}
		if entry.seq > maxSeq {
			maxSeq = entry.seq
		}
	}

	if !found {
		return wire.Delta{}, false, nil
	}

	updates := make([]wire.FileNode, 0, len(updatesByPath))
	for _, u := range updatesByPath {
		updates = append(updates, u)
	}
	removed := make([]string, 0, len(removedSet))
	for p := range removedSet {
		removed = append(removed, p)
	}
	return wire.NewDelta(t.agentID, t.sessionID, maxSeq, updates, removed), true, nil
}

// TickNow is the single-argument form of Tick matching spec.md §4.1's
// `tick(now_ms)`: it tracks the previous call's nowMs internally so callers
// need not thread a prevNowMs through their own state. The first call after
// construction treats nowMs as both current and previous, per spec.md's
// "first tick with now = created_at leaves heat at 1.0" boundary case.
func (t *Tracker) TickNow(nowMs int64) int {
	t.mu.Lock()
	prev := nowMs
	if t.haveLastTick {
		prev = t.lastTickMs
	}
	t.lastTickMs = nowMs
	t.haveLastTick = true
	t.mu.Unlock()

	return t.Tick(nowMs, prev)
}

// AgentID returns the agent ID this tracker was constructed with.
func (t *Tracker) AgentID() string { return t.agentID }

// SessionID returns the session ID this tracker was constructed with.
func (t *Tracker) SessionID() string { return t.sessionID }

// Turn returns the current turn counter (test/introspection helper).
func (t *Tracker) Turn() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turn
}

// Seq returns the current seq counter (test/introspection helper).
func (t *Tracker) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Node returns a copy of the node at path, if present.
func (t *Tracker) Node(path string) (wire.FileNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	return n, ok
}

// Len reports the number of tracked nodes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
