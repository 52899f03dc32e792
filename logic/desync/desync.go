// Package desync compares periodic state digests between the two peers and decides
// which side asks for a full state resync when they disagree.
package desync

import (
	"fmt"
	"strings"

	"github.com/alecthomas/log4go"
	"github.com/cespare/xxhash/v2"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
)

const (
	DefaultHashInterval = 30
	DefaultHistorySize  = 60
)

// Hash is the 16 hex character xxhash64 digest of a serialized engine state
func Hash(engineState []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(engineState))
}

// Verdict is the outcome of comparing digests for one frame
type Verdict int

const (
	// Pending means only one side's digest is known so far
	Pending Verdict = iota
	Match
	Mismatch
	// Stale means the frame fell out of the local history and can not be compared
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Request asks the remote peer for its full state
type Request struct {
	Requester rollback.PlayerID
	Target    rollback.PlayerID
	Frame     rollback.Frame
}

type Config struct {
	Local        rollback.PlayerID
	Remote       rollback.PlayerID
	HashInterval rollback.Frame
	HistorySize  int
}

type digest struct {
	hash   string
	counts map[rollback.PlayerID]uint32
}

// Tracker keeps a short history of local and remote digests. It is owned by the
// session loop and is not safe for concurrent use.
type Tracker struct {
	cfg     Config
	metrics *desyncMetrics

	local  map[rollback.Frame]digest
	remote map[rollback.Frame]digest

	nextHash     rollback.Frame
	confirmed    rollback.Frame
	hasConfirmed bool

	matches    int
	mismatches int

	// resync signal, consumed once
	pending  bool
	request  Request
	awaiting bool
}

func NewTracker(cfg Config) *Tracker {
	if cfg.HashInterval == 0 {
		cfg.HashInterval = DefaultHashInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	t := &Tracker{
		cfg:     cfg,
		metrics: newDesyncMetrics(cfg.Local),
	}
	t.Reset()
	return t
}

// Reset clears every digest at an episode boundary
func (t *Tracker) Reset() {
	t.local = make(map[rollback.Frame]digest)
	t.remote = make(map[rollback.Frame]digest)
	t.nextHash = t.cfg.HashInterval
	t.confirmed = 0
	t.hasConfirmed = false
	t.pending = false
	t.awaiting = false
}

// NextHashFrame is the next frame whose digest should be computed and broadcast
func (t *Tracker) NextHashFrame() rollback.Frame {
	return t.nextHash
}

// Skip moves past a hash frame whose state can no longer be captured
func (t *Tracker) Skip(frame rollback.Frame) {
	for t.nextHash <= frame {
		t.nextHash += t.cfg.HashInterval
	}
}

// RecordLocal stores the local digest for frame and compares it with a remote digest
// that arrived earlier
func (t *Tracker) RecordLocal(frame rollback.Frame, hash string, counts map[rollback.PlayerID]uint32) Verdict {
	for t.nextHash <= frame {
		t.nextHash += t.cfg.HashInterval
	}
	t.local[frame] = digest{hash: hash, counts: counts}
	t.trim(t.local)
	if r, ok := t.remote[frame]; ok {
		delete(t.remote, frame)
		return t.compare(frame, t.local[frame], r)
	}
	return Pending
}

// RecordRemote stores a peer's digest and compares it with the local one when known
func (t *Tracker) RecordRemote(frame rollback.Frame, hash string, counts map[rollback.PlayerID]uint32) Verdict {
	d := digest{hash: hash, counts: counts}
	if l, ok := t.local[frame]; ok {
		return t.compare(frame, l, d)
	}
	if t.oldestLocal() > frame && len(t.local) >= t.cfg.HistorySize {
		log4go.Debug("[desync] remote digest for frame %d older than local history", frame)
		return Stale
	}
	t.remote[frame] = d
	t.trim(t.remote)
	return Pending
}

func (t *Tracker) compare(frame rollback.Frame, local, remote digest) Verdict {
	if local.hash == remote.hash {
		t.matches++
		if !t.hasConfirmed || frame > t.confirmed {
			t.confirmed = frame
			t.hasConfirmed = true
		}
		return Match
	}

	t.mismatches++
	t.metrics.desync()
	log4go.Error("[desync] state diverged at frame %d: local=%s remote=%s local_counts=%s remote_counts=%s",
		frame, local.hash, remote.hash, formatCounts(local.counts), formatCounts(remote.counts))

	// the lower id always defers and requests, so exactly one side asks
	if t.cfg.Local.Less(t.cfg.Remote) && !t.awaiting && !t.pending {
		t.pending = true
		t.request = Request{Requester: t.cfg.Local, Target: t.cfg.Remote, Frame: frame}
	}
	return Mismatch
}

// Consume returns the pending resync request at most once
func (t *Tracker) Consume() (Request, bool) {
	if !t.pending {
		return Request{}, false
	}
	t.pending = false
	t.awaiting = true
	t.metrics.resync()
	return t.request, true
}

// Awaiting reports whether a resync request is outstanding
func (t *Tracker) Awaiting() bool {
	return t.awaiting
}

// Cancel drops an outstanding request whose answer could not be applied
func (t *Tracker) Cancel() {
	t.awaiting = false
}

// Applied records that a full state for frame replaced the local one. Digests taken
// before it describe a state that no longer exists.
func (t *Tracker) Applied(frame rollback.Frame) {
	t.awaiting = false
	t.pending = false
	t.local = make(map[rollback.Frame]digest)
	for f := range t.remote {
		if f <= frame {
			delete(t.remote, f)
		}
	}
	t.nextHash = (frame/t.cfg.HashInterval + 1) * t.cfg.HashInterval
	t.confirmed = frame
	t.hasConfirmed = true
}

// Confirmed is the newest frame both peers agreed on
func (t *Tracker) Confirmed() (rollback.Frame, bool) {
	return t.confirmed, t.hasConfirmed
}

func (t *Tracker) Matches() int {
	return t.matches
}

func (t *Tracker) Mismatches() int {
	return t.mismatches
}

func (t *Tracker) oldestLocal() rollback.Frame {
	first := true
	var oldest rollback.Frame
	for f := range t.local {
		if first || f < oldest {
			oldest = f
			first = false
		}
	}
	return oldest
}

func (t *Tracker) trim(m map[rollback.Frame]digest) {
	for len(m) > t.cfg.HistorySize {
		first := true
		var oldest rollback.Frame
		for f := range m {
			if first || f < oldest {
				oldest = f
				first = false
			}
		}
		delete(m, oldest)
	}
}

func formatCounts(counts map[rollback.PlayerID]uint32) string {
	ids := make([]rollback.PlayerID, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	rollback.SortPlayers(ids)
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", id, counts[id])
	}
	b.WriteByte('}')
	return b.String()
}
