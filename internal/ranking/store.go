// Package ranking owns the live per-contest rankings. Each contest has its
// own board guarded by its own mutex; boards never share a lock.
package ranking

import (
	"sort"
	"sync"
	"time"

	"contest-live-service/internal/domain"
	"contest-live-service/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shopspring/decimal"
)

// Store holds the boards of every open contest.
type Store struct {
	boards  *xsync.MapOf[string, *board]
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewStore(m *metrics.Metrics) *Store {
	return NewStoreWithClock(time.Now, m)
}

// NewStoreWithClock is for tests that need to move across start/end times.
func NewStoreWithClock(now func() time.Time, m *metrics.Metrics) *Store {
	return &Store{
		boards:  xsync.NewMapOf[string, *board](),
		now:     now,
		metrics: m,
	}
}

type board struct {
	mu           sync.Mutex
	contest      domain.Contest
	entries      map[string]*entry
	participants []domain.Participant
	joined       map[string]int
	version      uint64
	// seq orders the moments entries reached their totals.
	seq uint64
}

type entry struct {
	domain.RankingEntry
	reachedAt uint64
}

// Open registers a board for contest. Opening an already open contest is a
// no-op and reports false. seed, when not nil, restores persisted state.
func (s *Store) Open(contest domain.Contest, seed *domain.RankingSnapshot) bool {
	_, loaded := s.boards.LoadOrCompute(contest.ID, func() *board {
		return newBoard(contest, seed)
	})
	return !loaded
}

// IsOpen reports whether a board exists for contestID.
func (s *Store) IsOpen(contestID string) bool {
	_, ok := s.boards.Load(contestID)
	return ok
}

// Evict drops the board of contestID.
func (s *Store) Evict(contestID string) {
	s.boards.Delete(contestID)
}

func newBoard(contest domain.Contest, seed *domain.RankingSnapshot) *board {
	b := &board{
		contest: contest,
		entries: make(map[string]*entry),
		joined:  make(map[string]int),
	}
	if seed == nil {
		return b
	}
	b.version = seed.Version
	for _, e := range seed.Entries {
		restored := e.Clone()
		restored.Rank = 0
		restored.TotalMarks = restored.Marks.Sum()
		b.seq++
		b.entries[e.UserID] = &entry{RankingEntry: restored, reachedAt: b.seq}
	}
	for _, p := range seed.Participants {
		b.addParticipant(p)
	}
	return b
}

// UpsertScore applies the monotonic-max rule for one question of one user.
// The returned bool reports whether the board changed. Outside the live
// window the board is left untouched and the current snapshot is returned
// together with the phase error.
func (s *Store) UpsertScore(contestID, userID string, meta domain.Participant, questionID int, marks decimal.Decimal) (domain.RankingSnapshot, bool, error) {
	return s.UpsertScores(contestID, userID, meta, map[int]decimal.Decimal{questionID: marks})
}

// UpsertScores applies the monotonic-max rule for several questions of one
// user as a single update. Either every mark is considered or, when the
// contest is not live or a question is unknown, none is.
func (s *Store) UpsertScores(contestID, userID string, meta domain.Participant, marks map[int]decimal.Decimal) (domain.RankingSnapshot, bool, error) {
	b, ok := s.boards.Load(contestID)
	if !ok {
		return domain.RankingSnapshot{}, false, domain.ErrContestNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	if err := domain.PhaseError(b.contest.Phase(now)); err != nil {
		s.metrics.RankingUpdate("rejected")
		return b.snapshotLocked(now), false, err
	}
	for questionID := range marks {
		if !b.contest.HasQuestion(questionID) {
			s.metrics.RankingUpdate("rejected")
			return b.snapshotLocked(now), false, domain.ErrQuestionNotFound
		}
	}

	changed := false
	e, exists := b.entries[userID]
	if !exists {
		b.seq++
		e = &entry{
			RankingEntry: domain.RankingEntry{
				UserID:     userID,
				Marks:      make(domain.Marks),
				TotalMarks: decimal.Zero,
			},
			reachedAt: b.seq,
		}
		b.entries[userID] = e
		changed = true
	}

	if meta.Name != "" && meta.Name != e.Name {
		e.Name = meta.Name
		changed = true
	}
	if meta.WalletID != "" && meta.WalletID != e.WalletID {
		e.WalletID = meta.WalletID
		changed = true
	}

	raised := false
	for questionID, m := range marks {
		current, scored := e.Marks[questionID]
		if scored && !m.GreaterThan(current) {
			continue
		}
		e.Marks[questionID] = m
		if delta := m.Sub(current); !delta.IsZero() {
			e.TotalMarks = e.TotalMarks.Add(delta)
			raised = true
		}
		changed = true
	}
	if raised {
		b.seq++
		e.reachedAt = b.seq
	}

	if changed {
		b.version++
		s.metrics.RankingUpdate("applied")
	} else {
		s.metrics.RankingUpdate("ignored")
	}
	return b.snapshotLocked(now), changed, nil
}

// Join adds a participant to the contest's participant list once. The
// returned bool reports whether the participant is new.
func (s *Store) Join(contestID string, p domain.Participant) (domain.RankingSnapshot, bool, error) {
	b, ok := s.boards.Load(contestID)
	if !ok {
		return domain.RankingSnapshot{}, false, domain.ErrContestNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	if err := domain.PhaseError(b.contest.Phase(now)); err != nil {
		return b.snapshotLocked(now), false, err
	}
	added := b.addParticipant(p)
	if added {
		b.version++
	}
	return b.snapshotLocked(now), added, nil
}

// GetSnapshot returns a sorted copy of the contest ranking.
func (s *Store) GetSnapshot(contestID string) (domain.RankingSnapshot, error) {
	b, ok := s.boards.Load(contestID)
	if !ok {
		return domain.RankingSnapshot{}, domain.ErrContestNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(s.now()), nil
}

func (b *board) addParticipant(p domain.Participant) bool {
	if i, ok := b.joined[p.UserID]; ok {
		if p.Name != "" {
			b.participants[i].Name = p.Name
		}
		if p.WalletID != "" {
			b.participants[i].WalletID = p.WalletID
		}
		return false
	}
	b.joined[p.UserID] = len(b.participants)
	b.participants = append(b.participants, p)
	return true
}

func (b *board) snapshotLocked(now time.Time) domain.RankingSnapshot {
	ordered := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if c := ordered[i].TotalMarks.Cmp(ordered[j].TotalMarks); c != 0 {
			return c > 0
		}
		// Equal totals: whoever reached it first ranks higher.
		if ordered[i].reachedAt != ordered[j].reachedAt {
			return ordered[i].reachedAt < ordered[j].reachedAt
		}
		return ordered[i].UserID < ordered[j].UserID
	})

	entries := make([]domain.RankingEntry, len(ordered))
	for i, e := range ordered {
		entries[i] = e.RankingEntry.Clone()
		entries[i].Rank = i + 1
	}
	participants := make([]domain.Participant, len(b.participants))
	copy(participants, b.participants)
	return domain.RankingSnapshot{
		ContestID:    b.contest.ID,
		Version:      b.version,
		Entries:      entries,
		Participants: participants,
		TakenAt:      now,
	}
}
