package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"debatenow/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store with optimistic transactions. Every
// record carries a version; a transaction records the versions it read and
// commits only if none of them moved. Queries over the match collection are
// validated against a collection-wide version.
type MemoryStore struct {
	clock clockwork.Clock

	mu             sync.Mutex
	closed         bool
	waiting        map[string]models.WaitingEntry
	matches        map[string]*models.Match
	candidates     map[string][]models.IceCandidateRecord
	versions       map[string]uint64
	matchesVersion uint64

	waitingSubs   subscribers[models.WaitingEntry]
	matchSubs     subscribers[*models.Match]
	candidateSubs subscribers[models.IceCandidateRecord]
}

// NewMemoryStore returns an empty store whose server time is read from clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:      clock,
		waiting:    make(map[string]models.WaitingEntry),
		matches:    make(map[string]*models.Match),
		candidates: make(map[string][]models.IceCandidateRecord),
		versions:   make(map[string]uint64),
	}
}

var _ Store = (*MemoryStore)(nil)

func waitingKey(id string) string { return "waiting/" + id }
func matchKey(id string) string   { return "match/" + id }

func candidateKey(matchID string, role models.CandidateRole) string {
	return matchID + "/" + string(role)
}

func cloneMatch(m *models.Match) *models.Match { return m.Clone() }

func same[T any](v T) T { return v }

func (s *MemoryStore) AddWaiting(ctx context.Context, entry models.WaitingEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.JoinedAt = s.clock.Now()
	s.waiting[entry.ID] = entry
	s.versions[waitingKey(entry.ID)]++
	s.waitingSubs.publish(entry, same[models.WaitingEntry])
	return entry.ID, nil
}

func (s *MemoryStore) DeleteWaiting(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.waiting[id]; ok {
		delete(s.waiting, id)
		s.versions[waitingKey(id)]++
	}
	return nil
}

func (s *MemoryStore) DeleteWaitingForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, e := range s.waiting {
		if e.UserID == userID {
			delete(s.waiting, id)
			s.versions[waitingKey(id)]++
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListWaiting(ctx context.Context, role string) ([]models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.waitingByRoleLocked(role), nil
}

func (s *MemoryStore) waitingByRoleLocked(role string) []models.WaitingEntry {
	var out []models.WaitingEntry
	for _, e := range s.waiting {
		if e.Role == role {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *MemoryStore) WatchWaiting(ctx context.Context, role string) (<-chan models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	box := newMailbox[models.WaitingEntry](ctx)
	for _, e := range s.waitingByRoleLocked(role) {
		box.push(e)
	}
	id := s.waitingSubs.add(&subscription[models.WaitingEntry]{
		accept: func(e models.WaitingEntry) bool { return e.Role == role },
		box:    box,
	})
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.waitingSubs.remove(id)
		s.mu.Unlock()
	})
	return box.out, nil
}

func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ActiveMatchesFor(ctx context.Context, userID string) ([]*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*models.Match
	for _, m := range s.matches {
		if seatedActive(m, userID) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func seatedActive(m *models.Match, userID string) bool {
	return m.Active && (m.InitiatorID == userID || m.ReceiverID == userID)
}

func (s *MemoryStore) WatchMatch(ctx context.Context, id string) (<-chan *models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	box := newMailbox[*models.Match](ctx)
	box.push(m.Clone())
	sub := s.matchSubs.add(&subscription[*models.Match]{
		accept: func(m *models.Match) bool { return m.ID == id },
		box:    box,
	})
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.matchSubs.remove(sub)
		s.mu.Unlock()
	})
	return box.out, nil
}

func (s *MemoryStore) WatchMatchesFor(ctx context.Context, userID string) (<-chan *models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	box := newMailbox[*models.Match](ctx)
	for _, m := range s.matches {
		if seatedActive(m, userID) {
			box.push(m.Clone())
		}
	}
	sub := s.matchSubs.add(&subscription[*models.Match]{
		accept: func(m *models.Match) bool { return seatedActive(m, userID) },
		box:    box,
	})
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.matchSubs.remove(sub)
		s.mu.Unlock()
	})
	return box.out, nil
}

func (s *MemoryStore) UpdateMatch(ctx context.Context, id string, u MatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.matches[id]
	if !ok {
		return ErrNotFound
	}
	next := m.Clone()
	u.Apply(next, s.clock.Now())
	s.putMatchLocked(next)
	return nil
}

func (s *MemoryStore) putMatchLocked(m *models.Match) {
	s.matches[m.ID] = m
	s.versions[matchKey(m.ID)]++
	s.matchesVersion++
	s.matchSubs.publish(m, cloneMatch)
}

func (s *MemoryStore) AddCandidate(ctx context.Context, rec models.IceCandidateRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = s.clock.Now()
	key := candidateKey(rec.MatchID, rec.Role)
	s.candidates[key] = append(s.candidates[key], rec)
	s.candidateSubs.publish(rec, same[models.IceCandidateRecord])
	return rec.ID, nil
}

func (s *MemoryStore) ListCandidates(ctx context.Context, matchID string, role models.CandidateRole) ([]models.IceCandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recs := s.candidates[candidateKey(matchID, role)]
	return append([]models.IceCandidateRecord(nil), recs...), nil
}

func (s *MemoryStore) WatchCandidates(ctx context.Context, matchID string, role models.CandidateRole) (<-chan models.IceCandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	box := newMailbox[models.IceCandidateRecord](ctx)
	for _, rec := range s.candidates[candidateKey(matchID, role)] {
		box.push(rec)
	}
	sub := s.candidateSubs.add(&subscription[models.IceCandidateRecord]{
		accept: func(r models.IceCandidateRecord) bool { return r.MatchID == matchID && r.Role == role },
		box:    box,
	})
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.candidateSubs.remove(sub)
		s.mu.Unlock()
	})
	return box.out, nil
}

func (s *MemoryStore) Now(ctx context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.waitingSubs.closeAll()
	s.matchSubs.closeAll()
	s.candidateSubs.closeAll()
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memoryTx{
			s:       s,
			now:     s.clock.Now(),
			reads:   make(map[string]uint64),
			deletes: make(map[string]bool),
			writes:  make(map[string]*models.Match),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if err := s.commit(tx); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for key, v := range tx.reads {
		if s.versions[key] != v {
			return ErrConflict
		}
	}
	if tx.readCollection && s.matchesVersion != tx.collectionVersion {
		return ErrConflict
	}
	// Creations may race on an explicit id.
	for _, id := range tx.created {
		if _, exists := s.matches[id]; exists {
			return ErrConflict
		}
	}

	for id := range tx.deletes {
		if _, ok := s.waiting[id]; ok {
			delete(s.waiting, id)
			s.versions[waitingKey(id)]++
		}
	}
	for _, id := range tx.order {
		s.putMatchLocked(tx.writes[id])
	}
	return nil
}

type memoryTx struct {
	s   *MemoryStore
	now time.Time

	reads             map[string]uint64
	readCollection    bool
	collectionVersion uint64

	deletes map[string]bool
	writes  map[string]*models.Match
	created []string
	order   []string
}

func (tx *memoryTx) observe(key string) {
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = tx.s.versions[key]
	}
}

func (tx *memoryTx) GetWaiting(id string) (*models.WaitingEntry, error) {
	if tx.deletes[id] {
		return nil, ErrNotFound
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return nil, ErrClosed
	}
	tx.observe(waitingKey(id))
	e, ok := tx.s.waiting[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (tx *memoryTx) DeleteWaiting(id string) error {
	tx.s.mu.Lock()
	tx.observe(waitingKey(id))
	tx.s.mu.Unlock()
	tx.deletes[id] = true
	return nil
}

func (tx *memoryTx) GetMatch(id string) (*models.Match, error) {
	if m, ok := tx.writes[id]; ok {
		return m.Clone(), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return nil, ErrClosed
	}
	tx.observe(matchKey(id))
	m, ok := tx.s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (tx *memoryTx) HasActiveMatch(userID string) (bool, error) {
	for _, m := range tx.writes {
		if seatedActive(m, userID) {
			return true, nil
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return false, ErrClosed
	}
	if !tx.readCollection {
		tx.readCollection = true
		tx.collectionVersion = tx.s.matchesVersion
	}
	for id, m := range tx.s.matches {
		if _, overlaid := tx.writes[id]; overlaid {
			continue
		}
		if seatedActive(m, userID) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) CreateMatch(m *models.Match) (string, error) {
	c := m.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := tx.writes[c.ID]; ok {
		return "", ErrConflict
	}
	c.CreatedAt = tx.now
	tx.writes[c.ID] = c
	tx.created = append(tx.created, c.ID)
	tx.order = append(tx.order, c.ID)
	return c.ID, nil
}

func (tx *memoryTx) UpdateMatch(id string, u MatchUpdate) error {
	m, err := tx.GetMatch(id)
	if err != nil {
		return err
	}
	u.Apply(m, tx.now)
	if _, ok := tx.writes[id]; !ok {
		tx.order = append(tx.order, id)
	}
	tx.writes[id] = m
	return nil
}
