package rollback

import "sort"

// Snapshot is the state captured before stepping Frame
type Snapshot struct {
	Frame            Frame
	State            State
	StepCount        uint32
	CumulativeReward float64
}

// SnapshotStore keeps the most recent snapshots ordered by frame
type SnapshotStore struct {
	snaps []Snapshot
	max   int
}

func NewSnapshotStore(max int) *SnapshotStore {
	if max <= 0 {
		max = 1
	}
	return &SnapshotStore{
		snaps: make([]Snapshot, 0, max+1),
		max:   max,
	}
}

func (s *SnapshotStore) Reset() {
	s.snaps = s.snaps[:0]
}

func (s *SnapshotStore) Len() int {
	return len(s.snaps)
}

func (s *SnapshotStore) search(frame Frame) int {
	return sort.Search(len(s.snaps), func(i int) bool { return s.snaps[i].Frame >= frame })
}

// Save stores snap, replacing one already kept for the same frame
func (s *SnapshotStore) Save(snap Snapshot) {
	i := s.search(snap.Frame)
	if i < len(s.snaps) && s.snaps[i].Frame == snap.Frame {
		s.snaps[i] = snap
		return
	}
	s.snaps = append(s.snaps, Snapshot{})
	copy(s.snaps[i+1:], s.snaps[i:])
	s.snaps[i] = snap
}

// At returns the snapshot taken exactly at frame
func (s *SnapshotStore) At(frame Frame) (Snapshot, bool) {
	i := s.search(frame)
	if i < len(s.snaps) && s.snaps[i].Frame == frame {
		return s.snaps[i], true
	}
	return Snapshot{}, false
}

// LatestAtOrBefore returns the newest snapshot whose frame is <= frame
func (s *SnapshotStore) LatestAtOrBefore(frame Frame) (Snapshot, bool) {
	i := s.search(frame + 1)
	if i == 0 {
		return Snapshot{}, false
	}
	return s.snaps[i-1], true
}

// DropAfter removes snapshots newer than frame
func (s *SnapshotStore) DropAfter(frame Frame) {
	s.snaps = s.snaps[:s.search(frame+1)]
}

// Trim keeps only the newest max snapshots
func (s *SnapshotStore) Trim() int {
	over := len(s.snaps) - s.max
	if over <= 0 {
		return 0
	}
	copy(s.snaps, s.snaps[over:])
	for i := len(s.snaps) - over; i < len(s.snaps); i++ {
		s.snaps[i] = Snapshot{}
	}
	s.snaps = s.snaps[:len(s.snaps)-over]
	return over
}

// Oldest is the frame of the oldest kept snapshot
func (s *SnapshotStore) Oldest() (Frame, bool) {
	if len(s.snaps) == 0 {
		return 0, false
	}
	return s.snaps[0].Frame, true
}
