package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/niczy/gitsubmit/internal/models"
)

// RedisStorage implements the Storage interface using Redis as a cache and lock service and an
// object store for the durable snapshot of change metadata.
type RedisStorage struct {
	rdb         redis.UniversalClient
	objectStore ObjectStore
	keyPrefix   string

	// durableMu serializes read-modify-write cycles of the durable snapshot.
	durableMu sync.Mutex
}

type durableState struct {
	Changes  map[string]*models.Change          `json:"changes"`
	Messages map[string][]*models.ChangeMessage `json:"messages"`
}

func newDurableState() *durableState {
	return &durableState{
		Changes:  make(map[string]*models.Change),
		Messages: make(map[string][]*models.ChangeMessage),
	}
}

// NewRedisStorage creates a Redis-backed storage implementation.
func NewRedisStorage(rdb redis.UniversalClient, objectStore ObjectStore, keyPrefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, objectStore: objectStore, keyPrefix: keyPrefix}
}

func (s *RedisStorage) key(parts ...string) string {
	if s.keyPrefix == "" {
		return fmt.Sprintf("gitsubmit:%s", joinKey(parts...))
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, joinKey(parts...))
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshal[T any](raw string, target *T) error {
	return json.Unmarshal([]byte(raw), target)
}

func (s *RedisStorage) durableKey(parts ...string) string {
	return s.key(append([]string{"durable"}, parts...)...)
}

func (s *RedisStorage) loadDurableState(ctx context.Context) (*durableState, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.objectStore.GetObject(ctx, s.durableKey("state"))
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return newDurableState(), nil
		}
		return nil, err
	}

	var state durableState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state.Changes == nil {
		state.Changes = make(map[string]*models.Change)
	}
	if state.Messages == nil {
		state.Messages = make(map[string][]*models.ChangeMessage)
	}
	return &state, nil
}

func (s *RedisStorage) saveDurableState(ctx context.Context, state *durableState) error {
	ctx = ensureCtx(ctx)
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.objectStore.PutObject(ctx, s.durableKey("state"), raw)
}

func (s *RedisStorage) withDurableState(ctx context.Context, fn func(state *durableState) error) error {
	s.durableMu.Lock()
	defer s.durableMu.Unlock()

	state, err := s.loadDurableState(ctx)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.saveDurableState(ctx, state)
}

func (s *RedisStorage) cacheChange(ctx context.Context, pipe redis.Pipeliner, change *models.Change) error {
	raw, err := marshal(change)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.key("change", change.ID), raw, 0)
	pipe.SAdd(ctx, s.key("changes"), change.ID)
	for _, ps := range change.PatchSets {
		pipe.SAdd(ctx, s.key("commit_index", change.Project, ps.Commit), change.ID)
	}
	return nil
}

func (s *RedisStorage) clearKeys(ctx context.Context, pattern string) error {
	ctx = ensureCtx(ctx)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 || next == cursor {
			return nil
		}
		cursor = next
	}
}

// CreateChange stores a new change in the durable snapshot and the cache.
func (s *RedisStorage) CreateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if err := validateChange(change); err != nil {
		return err
	}

	now := time.Now()
	if change.CreatedAt.IsZero() {
		change.CreatedAt = now
	}
	change.UpdatedAt = now

	if err := s.withDurableState(ctx, func(state *durableState) error {
		if _, exists := state.Changes[change.ID]; exists {
			return ErrChangeExists
		}
		state.Changes[change.ID] = change.Clone()
		return nil
	}); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	if err := s.cacheChange(ctx, pipe, change); err != nil {
		pipe.Discard()
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetChange retrieves a change by ID, falling back to the durable snapshot on a cache miss.
func (s *RedisStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	ctx = ensureCtx(ctx)
	val, err := s.rdb.Get(ctx, s.key("change", changeID)).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil {
				if saved, ok := state.Changes[changeID]; ok {
					pipe := s.rdb.TxPipeline()
					if s.cacheChange(ctx, pipe, saved) == nil {
						_, _ = pipe.Exec(ctx)
					}
					return saved.Clone(), nil
				}
			}
			return nil, ErrChangeNotFound
		}
		return nil, err
	}

	var change models.Change
	if err := unmarshal(val, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// UpdateChange replaces an existing change.
func (s *RedisStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if err := validateChange(change); err != nil {
		return err
	}
	change.UpdatedAt = time.Now()

	if err := s.withDurableState(ctx, func(state *durableState) error {
		if _, exists := state.Changes[change.ID]; !exists {
			return ErrChangeNotFound
		}
		state.Changes[change.ID] = change.Clone()
		return nil
	}); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	if err := s.cacheChange(ctx, pipe, change); err != nil {
		pipe.Discard()
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListChanges returns changes matching filter ordered by id.
func (s *RedisStorage) ListChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	ids, err := s.rdb.SMembers(ctx, s.key("changes")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		state, err := s.loadDurableState(ctx)
		if err != nil {
			return nil, err
		}
		for id := range state.Changes {
			ids = append(ids, id)
		}
	}

	result := make([]*models.Change, 0, len(ids))
	for _, id := range ids {
		change, err := s.GetChange(ctx, id)
		if err != nil {
			if errors.Is(err, ErrChangeNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Matches(change) {
			result = append(result, change)
		}
	}
	return sortAndLimit(result, filter.Limit), nil
}

// FindChangesByCommit returns changes of project with a patch set at commit.
func (s *RedisStorage) FindChangesByCommit(ctx context.Context, project, commit string) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	ids, err := s.rdb.SMembers(ctx, s.key("commit_index", project, commit)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Change, 0, len(ids))
	for _, id := range ids {
		change, err := s.GetChange(ctx, id)
		if err != nil {
			if errors.Is(err, ErrChangeNotFound) {
				continue
			}
			return nil, err
		}
		if change.Project == project && hasPatchSet(change, commit) {
			result = append(result, change)
		}
	}
	return sortAndLimit(result, 0), nil
}

// AddChangeMessage appends a message to a change.
func (s *RedisStorage) AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error {
	ctx = ensureCtx(ctx)
	if msg == nil || msg.ChangeID == "" {
		return ErrInvalidInput
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		if _, exists := state.Changes[msg.ChangeID]; !exists {
			return ErrChangeNotFound
		}
		copyMsg := *msg
		state.Messages[msg.ChangeID] = append(state.Messages[msg.ChangeID], &copyMsg)
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("messages", msg.ChangeID), raw).Err()
}

// ListChangeMessages returns the messages of a change, oldest first.
func (s *RedisStorage) ListChangeMessages(ctx context.Context, changeID string) ([]*models.ChangeMessage, error) {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}

	raws, err := s.rdb.LRange(ctx, s.key("messages", changeID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*models.ChangeMessage, 0, len(raws))
	if len(raws) == 0 {
		state, err := s.loadDurableState(ctx)
		if err != nil {
			return nil, err
		}
		for _, msg := range state.Messages[changeID] {
			copyMsg := *msg
			result = append(result, &copyMsg)
		}
	}
	for _, raw := range raws {
		var msg models.ChangeMessage
		if err := unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	sortMessages(result)
	return result, nil
}

func (s *RedisStorage) lockKey(k models.BranchKey) string {
	return s.key("branch_lock", k.Project, k.Branch)
}

// LockBranches acquires every branch lock with SET NX PX, releasing partial acquisitions on
// contention.
func (s *RedisStorage) LockBranches(ctx context.Context, owner string, keys []models.BranchKey, ttl time.Duration) error {
	ctx = ensureCtx(ctx)
	if owner == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	keys = sortedKeys(keys)
	acquired := make([]models.BranchKey, 0, len(keys))
	for _, k := range keys {
		ok, err := s.rdb.SetNX(ctx, s.lockKey(k), owner, ttl).Result()
		if err != nil {
			s.UnlockBranches(ctx, owner, acquired)
			return err
		}
		if !ok {
			current, err := s.rdb.Get(ctx, s.lockKey(k)).Result()
			if err == nil && current == owner {
				if err := s.rdb.PExpire(ctx, s.lockKey(k), ttl).Err(); err != nil {
					s.UnlockBranches(ctx, owner, acquired)
					return err
				}
				continue
			}
			s.UnlockBranches(ctx, owner, acquired)
			if err != nil && err != redis.Nil {
				return err
			}
			return ErrLockHeld
		}
		acquired = append(acquired, k)
	}
	return nil
}

// UnlockBranches releases branch locks owned by owner.
func (s *RedisStorage) UnlockBranches(ctx context.Context, owner string, keys []models.BranchKey) {
	ctx = ensureCtx(ctx)
	for _, k := range keys {
		key := s.lockKey(k)
		_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			if err != nil || current != owner {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
	}
}

// RebuildIndexes drops every cached change, commit index and message list and repopulates them
// from the durable snapshot.
func (s *RedisStorage) RebuildIndexes(ctx context.Context) error {
	ctx = ensureCtx(ctx)

	state, err := s.loadDurableState(ctx)
	if err != nil {
		return err
	}

	patterns := []string{
		s.key("change", "*"),
		s.key("commit_index", "*"),
		s.key("messages", "*"),
	}
	for _, pattern := range patterns {
		if err := s.clearKeys(ctx, pattern); err != nil {
			return err
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key("changes"))
	for _, change := range state.Changes {
		if err := s.cacheChange(ctx, pipe, change); err != nil {
			pipe.Discard()
			return err
		}
	}
	for changeID, msgs := range state.Messages {
		if len(msgs) == 0 {
			continue
		}
		raws := make([]any, 0, len(msgs))
		for _, msg := range msgs {
			raw, err := marshal(msg)
			if err != nil {
				pipe.Discard()
				return err
			}
			raws = append(raws, raw)
		}
		pipe.RPush(ctx, s.key("messages", changeID), raws...)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Ping validates the Redis connection and object store accessibility.
func (s *RedisStorage) Ping(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	// Verify object store is reachable via a small round trip.
	const probeKey = "healthcheck"
	if err := s.objectStore.PutObject(ctx, s.key(probeKey), []byte("ok")); err != nil {
		return err
	}
	_, err := s.objectStore.GetObject(ctx, s.key(probeKey))
	_ = s.objectStore.DeleteObject(ctx, s.key(probeKey))
	return err
}
