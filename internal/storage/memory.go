package storage

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/niczy/gitsubmit/internal/models"
)

type memoryLock struct {
	owner   string
	expires time.Time
}

// InMemoryStorage implements Storage interface with in-memory data structures
type InMemoryStorage struct {
	mu sync.RWMutex

	changes  map[string]*models.Change          // changeID -> change
	messages map[string][]*models.ChangeMessage // changeID -> messages
	byCommit map[string]map[string]bool         // project:commit -> {changeID: true}

	lockMu sync.Mutex
	locks  map[models.BranchKey]memoryLock
	now    func() time.Time
}

// NewInMemoryStorage creates a new in-memory storage instance
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		changes:  make(map[string]*models.Change),
		messages: make(map[string][]*models.ChangeMessage),
		byCommit: make(map[string]map[string]bool),
		locks:    make(map[models.BranchKey]memoryLock),
		now:      time.Now,
	}
}

func commitIndexKey(project, commit string) string {
	return project + ":" + commit
}

func (s *InMemoryStorage) indexLocked(change *models.Change) {
	for _, ps := range change.PatchSets {
		key := commitIndexKey(change.Project, ps.Commit)
		if s.byCommit[key] == nil {
			s.byCommit[key] = make(map[string]bool)
		}
		s.byCommit[key][change.ID] = true
	}
}

// CreateChange stores a new change
func (s *InMemoryStorage) CreateChange(ctx context.Context, change *models.Change) error {
	if err := validateChange(change); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[change.ID]; exists {
		return ErrChangeExists
	}

	now := time.Now()
	if change.CreatedAt.IsZero() {
		change.CreatedAt = now
	}
	change.UpdatedAt = now

	stored := change.Clone()
	s.changes[change.ID] = stored
	s.indexLocked(stored)
	return nil
}

// GetChange retrieves a change by ID
func (s *InMemoryStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	change, exists := s.changes[changeID]
	if !exists {
		return nil, ErrChangeNotFound
	}
	return change.Clone(), nil
}

// UpdateChange replaces an existing change
func (s *InMemoryStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	if err := validateChange(change); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[change.ID]; !exists {
		return ErrChangeNotFound
	}

	change.UpdatedAt = time.Now()
	stored := change.Clone()
	s.changes[change.ID] = stored
	s.indexLocked(stored)
	return nil
}

// ListChanges returns changes matching the filter ordered by id
func (s *InMemoryStorage) ListChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Change, 0)
	for _, change := range s.changes {
		if filter.Matches(change) {
			result = append(result, change.Clone())
		}
	}
	return sortAndLimit(result, filter.Limit), nil
}

// FindChangesByCommit returns changes with a patch set at commit
func (s *InMemoryStorage) FindChangesByCommit(ctx context.Context, project, commit string) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Change, 0)
	for id := range s.byCommit[commitIndexKey(project, commit)] {
		if change, ok := s.changes[id]; ok && hasPatchSet(change, commit) {
			result = append(result, change.Clone())
		}
	}
	return sortAndLimit(result, 0), nil
}

// AddChangeMessage appends a message to a change
func (s *InMemoryStorage) AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error {
	if msg == nil || msg.ChangeID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[msg.ChangeID]; !exists {
		return ErrChangeNotFound
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copyMsg := *msg
	s.messages[msg.ChangeID] = append(s.messages[msg.ChangeID], &copyMsg)
	return nil
}

// ListChangeMessages returns messages of a change, oldest first
func (s *InMemoryStorage) ListChangeMessages(ctx context.Context, changeID string) ([]*models.ChangeMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.changes[changeID]; !exists {
		return nil, ErrChangeNotFound
	}
	result := make([]*models.ChangeMessage, 0, len(s.messages[changeID]))
	for _, msg := range s.messages[changeID] {
		copyMsg := *msg
		result = append(result, &copyMsg)
	}
	sortMessages(result)
	return result, nil
}

// LockBranches acquires every branch lock for owner or none of them
func (s *InMemoryStorage) LockBranches(ctx context.Context, owner string, keys []models.BranchKey, ttl time.Duration) error {
	if owner == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	now := s.now()
	keys = sortedKeys(keys)
	for _, k := range keys {
		if held, ok := s.locks[k]; ok && held.owner != owner && now.Before(held.expires) {
			return ErrLockHeld
		}
	}
	for _, k := range keys {
		s.locks[k] = memoryLock{owner: owner, expires: now.Add(ttl)}
	}
	return nil
}

// UnlockBranches releases locks held by owner
func (s *InMemoryStorage) UnlockBranches(ctx context.Context, owner string, keys []models.BranchKey) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	for _, k := range keys {
		if held, ok := s.locks[k]; ok && held.owner == owner {
			delete(s.locks, k)
		}
	}
}

// Ping checks if storage is accessible
func (s *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}
