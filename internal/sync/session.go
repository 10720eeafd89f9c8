package sync

import (
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"edge-sync/internal/merkle"
)

// Status is the lifecycle state of one reconciliation round.
type Status string

const (
	StatusNegotiating  Status = "negotiating"
	StatusTransferring Status = "transferring"
	StatusResolving    Status = "resolving"
	StatusCommitted    Status = "committed"
	StatusAborted      Status = "aborted"
)

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Session is the ephemeral state of one sync round against one peer.
type Session struct {
	mu stdsync.Mutex

	id         string
	peerID     string
	localRoot  string
	remoteRoot string
	diffRanges []merkle.LeafRange
	startedAt  time.Time
	finishedAt time.Time
	status     Status
	errMsg     string
}

// Snapshot is an immutable copy of a session's state for callers.
type Snapshot struct {
	ID         string             `json:"id"`
	PeerID     string             `json:"peer_id"`
	LocalRoot  string             `json:"local_root_hash,omitempty"`
	RemoteRoot string             `json:"remote_root_hash,omitempty"`
	DiffRanges []merkle.LeafRange `json:"diff_ranges,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
	Status     Status             `json:"status"`
	Error      string             `json:"error,omitempty"`
}

func newSession(peerID string) *Session {
	return &Session{
		id:        uuid.NewString(),
		peerID:    peerID,
		startedAt: time.Now(),
		status:    StatusNegotiating,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranges := make([]merkle.LeafRange, len(s.diffRanges))
	copy(ranges, s.diffRanges)

	return Snapshot{
		ID:         s.id,
		PeerID:     s.peerID,
		LocalRoot:  s.localRoot,
		RemoteRoot: s.remoteRoot,
		DiffRanges: ranges,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		Status:     s.status,
		Error:      s.errMsg,
	}
}

// setStatus advances the state machine. Terminal states stick: a late
// transition attempt after an abort is ignored.
func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.terminal() {
		return
	}
	s.status = next
	if next.terminal() {
		s.finishedAt = time.Now()
	}
}

// restart rewinds an aborted session for a retry attempt.
func (s *Session) restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusNegotiating
	s.errMsg = ""
	s.finishedAt = time.Time{}
	s.localRoot = ""
	s.remoteRoot = ""
	s.diffRanges = nil
}

func (s *Session) abort(err error) {
	s.mu.Lock()
	if !s.status.terminal() {
		s.status = StatusAborted
		s.finishedAt = time.Now()
		if err != nil {
			s.errMsg = err.Error()
		}
	}
	s.mu.Unlock()
}

func (s *Session) setRoots(local, remote string) {
	s.mu.Lock()
	s.localRoot = local
	s.remoteRoot = remote
	s.mu.Unlock()
}

func (s *Session) setDiffRanges(ranges []merkle.LeafRange) {
	s.mu.Lock()
	s.diffRanges = ranges
	s.mu.Unlock()
}

func (s *Session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
