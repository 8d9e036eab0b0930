// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
)

// Config configures a State.
type Config struct {
	// OwnerID is the unique, fixed owner principal.
	OwnerID int64

	// Public is the initial system mode. Free users are admitted only
	// while public.
	Public bool

	// FreeDailyLimit is the number of completed jobs a free user may
	// accumulate per calendar day. Zero means free users are never
	// admitted by quota.
	FreeDailyLimit int

	// Location is the time zone whose calendar days bound the quota.
	// Nil means UTC.
	Location *time.Location

	// Clock supplies the current time. Nil means the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// State owns all scheduler state. Every read and mutation goes through
// its methods under one mutex; admission, dedup, and insertion are a
// single atomic decision inside Enqueue, and claim moves an entry from
// the queue into the processing slot under the same lock acquisition.
type State struct {
	mu sync.Mutex

	ownerID int64
	admins  map[int64]struct{}
	public  bool

	freeDailyLimit int
	location       *time.Location
	quotas         map[int64]*dayBucket

	waiting    []*Entry
	processing *Entry
	startedAt  time.Time
	nextSeq    uint64

	// wake carries the work-arrival signal to the executor. Buffered
	// with capacity 1: one pending signal is enough, the executor
	// drains the whole queue per wakeup.
	wake chan struct{}

	clock  clock.Clock
	logger *slog.Logger
}

// dayBucket is one principal's completed-job count for a calendar day.
// A bucket stamped with a stale day is reset on next access rather
// than by any background job.
type dayBucket struct {
	day       string // formatted 2006-01-02 in State.location
	completed int
}

// NewState creates a State with an empty queue and admin set.
func NewState(cfg Config) *State {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		ownerID:        cfg.OwnerID,
		admins:         make(map[int64]struct{}),
		public:         cfg.Public,
		freeDailyLimit: cfg.FreeDailyLimit,
		location:       location,
		quotas:         make(map[int64]*dayBucket),
		wake:           make(chan struct{}, 1),
		clock:          c,
		logger:         logger,
	}
}

// ─── Roster ───

// Principal resolves the role of a user and returns the principal
// value used for admission and scheduling.
func (s *State) Principal(id int64, name string) Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Principal{ID: id, Name: name, Role: s.roleLocked(id)}
}

func (s *State) roleLocked(id int64) Role {
	if id == s.ownerID {
		return RoleOwner
	}
	if _, ok := s.admins[id]; ok {
		return RoleAdmin
	}
	return RoleFree
}

// AddAdmin adds a user to the admin set. Adding the owner or an
// existing admin is a no-op; the return value reports whether the set
// changed.
func (s *State) AddAdmin(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.ownerID {
		return false
	}
	if _, ok := s.admins[id]; ok {
		return false
	}
	s.admins[id] = struct{}{}
	s.logger.Info("admin added", "user_id", id)
	return true
}

// Public reports the current system mode.
func (s *State) Public() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public
}

// SetPublic sets the system mode. Only the owner-facing command layer
// calls this.
func (s *State) SetPublic(public bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.public != public {
		s.public = public
		s.logger.Info("system mode changed", "public", public)
	}
}

// ─── Quota ───

// CheckQuota reports whether the principal may start another job today
// and how many completions remain. Owner and admins are unlimited;
// remaining is -1 for them.
func (s *State) CheckQuota(p Principal) (allowed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkQuotaLocked(p)
}

func (s *State) checkQuotaLocked(p Principal) (bool, int) {
	if p.Role != RoleFree {
		return true, -1
	}
	bucket := s.bucketLocked(p.ID)
	remaining := s.freeDailyLimit - bucket.completed
	if remaining < 0 {
		remaining = 0
	}
	return remaining > 0, remaining
}

// bucketLocked returns the principal's bucket for the current day,
// lazily creating it and resetting any stale one.
func (s *State) bucketLocked(id int64) *dayBucket {
	today := s.clock.Now().In(s.location).Format("2006-01-02")
	bucket, ok := s.quotas[id]
	if !ok {
		bucket = &dayBucket{day: today}
		s.quotas[id] = bucket
		return bucket
	}
	if bucket.day != today {
		bucket.day = today
		bucket.completed = 0
	}
	return bucket
}

// ─── Admission and queue ───

// Enqueue admits and inserts a request. On acceptance it returns the
// entry's 1-based position. Rejections are ErrAdmissionDenied,
// ErrQuotaExceeded, or *DuplicateError (which carries the existing
// entry's position).
func (s *State) Enqueue(entry *Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := entry.Principal
	if p.Role == RoleFree && !s.public {
		return 0, ErrAdmissionDenied
	}
	if allowed, _ := s.checkQuotaLocked(p); !allowed {
		return 0, ErrQuotaExceeded
	}

	// Dedup across queue and processing slot: the same (user, item)
	// pair never appears twice.
	if s.processing != nil && dedupEqual(s.processing, entry) {
		return 0, &DuplicateError{ItemID: entry.Request.ItemID, Position: 0}
	}
	for _, queued := range s.waiting {
		if dedupEqual(queued, entry) {
			return 0, &DuplicateError{
				ItemID:   entry.Request.ItemID,
				Position: s.positionOfLocked(queued),
			}
		}
	}

	entry.EnqueuedAt = s.clock.Now()
	entry.seq = s.nextSeq
	s.nextSeq++
	s.waiting = append(s.waiting, entry)

	s.logger.Info("request queued",
		"request_id", entry.RequestID,
		"user_id", p.ID,
		"role", p.Role.String(),
		"kind", entry.Request.Kind.String(),
		"item_id", entry.Request.ItemID,
		"queue_length", len(s.waiting),
	)

	// Non-blocking: one pending wakeup is enough.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	return s.positionOfLocked(entry), nil
}

// orderedLocked returns the waiting entries in scheduling order:
// priority class ascending, enqueue time ascending, insertion sequence
// ascending. The order is re-derived on every call; queue sizes are
// small and correctness beats micro-optimization here.
func (s *State) orderedLocked() []*Entry {
	ordered := make([]*Entry, len(s.waiting))
	copy(ordered, s.waiting)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Principal.Role != b.Principal.Role {
			return a.Principal.Role < b.Principal.Role
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.seq < b.seq
	})
	return ordered
}

func (s *State) positionOfLocked(entry *Entry) int {
	for i, e := range s.orderedLocked() {
		if e == entry {
			return i + 1
		}
	}
	return 0
}

// PositionKind classifies a Position result.
type PositionKind int

const (
	// PositionNotFound means the user has nothing queued or running.
	PositionNotFound PositionKind = iota
	// PositionQueued means the user's next entry is waiting; Index is
	// its 1-based place.
	PositionQueued
	// PositionProcessing means the user's entry occupies the
	// processing slot.
	PositionProcessing
)

// Position locates a user's work: processing beats queued, and for a
// user with several queued entries the best-placed one is reported.
func (s *State) Position(userID int64) (PositionKind, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing != nil && s.processing.Principal.ID == userID {
		return PositionProcessing, 0
	}
	for i, e := range s.orderedLocked() {
		if e.Principal.ID == userID {
			return PositionQueued, i + 1
		}
	}
	return PositionNotFound, 0
}

// RemoveAll removes all of a user's waiting entries and returns how
// many were removed. The processing slot is untouched: the in-flight
// job cannot be cancelled.
func (s *State) RemoveAll(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.waiting[:0]
	removed := 0
	for _, e := range s.waiting {
		if e.Principal.ID == userID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.waiting = kept
	if removed > 0 {
		s.logger.Info("waiting entries removed", "user_id", userID, "count", removed)
	}
	return removed
}

// ─── Executor interface ───

// claim atomically dequeues the highest-priority entry into the
// processing slot. Returns nil when the queue is empty or the slot is
// occupied; the occupied check is the re-entrancy guard. Removal from
// the queue and installation in the slot happen under one lock
// acquisition, so no concurrent reader can observe the entry in
// neither place or both.
func (s *State) claim() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing != nil || len(s.waiting) == 0 {
		return nil
	}

	next := s.orderedLocked()[0]
	kept := s.waiting[:0]
	for _, e := range s.waiting {
		if e != next {
			kept = append(kept, e)
		}
	}
	s.waiting = kept
	s.processing = next
	s.startedAt = s.clock.Now()
	return next
}

// finish clears the processing slot and applies quota accounting:
// free-user completions count only on success. Called exactly once per
// claimed entry, however the run settled.
func (s *State) finish(entry *Entry, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing == entry {
		s.processing = nil
		s.startedAt = time.Time{}
	}
	if succeeded && entry.Principal.Role == RoleFree {
		s.bucketLocked(entry.Principal.ID).completed++
	}
}

// pendingWork reports whether a claim would succeed.
func (s *State) pendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing == nil && len(s.waiting) > 0
}

// Wake returns the work-arrival channel the executor blocks on.
func (s *State) Wake() <-chan struct{} {
	return s.wake
}

// ─── Status ───

// QueuedItem is one waiting entry in a Snapshot.
type QueuedItem struct {
	Position   int
	UserID     int64
	UserName   string
	Role       Role
	Kind       RequestKind
	ItemID     string
	EnqueuedAt time.Time
}

// ProcessingItem describes the slot occupant in a Snapshot.
type ProcessingItem struct {
	UserID    int64
	UserName  string
	Kind      RequestKind
	ItemID    string
	StartedAt time.Time
}

// Snapshot is a consistent view of the scheduler for status display.
type Snapshot struct {
	Public     bool
	Waiting    []QueuedItem
	Processing *ProcessingItem
}

// Snapshot captures queue contents in scheduling order plus the slot,
// all under one lock acquisition.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Public: s.public}
	for i, e := range s.orderedLocked() {
		snap.Waiting = append(snap.Waiting, QueuedItem{
			Position:   i + 1,
			UserID:     e.Principal.ID,
			UserName:   e.Principal.Name,
			Role:       e.Principal.Role,
			Kind:       e.Request.Kind,
			ItemID:     e.Request.ItemID,
			EnqueuedAt: e.EnqueuedAt,
		})
	}
	if s.processing != nil {
		snap.Processing = &ProcessingItem{
			UserID:    s.processing.Principal.ID,
			UserName:  s.processing.Principal.Name,
			Kind:      s.processing.Request.Kind,
			ItemID:    s.processing.Request.ItemID,
			StartedAt: s.startedAt,
		}
	}
	return snap
}
