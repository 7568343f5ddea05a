package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/niczy/gitsubmit/internal/models"
)

var (
	ErrChangeNotFound = errors.New("change not found")
	ErrChangeExists   = errors.New("change already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrEntryNotFound  = errors.New("entry not found")
	ErrLockHeld       = errors.New("resource locked")
)

// DefaultLockTTL bounds how long a branch lock survives a crashed holder.
const DefaultLockTTL = 2 * time.Minute

// Storage defines the change metadata store used by the submit engine.
// Implementations can be swapped (in-memory, Redis, SQLite).
type Storage interface {
	// Changes
	CreateChange(ctx context.Context, change *models.Change) error
	GetChange(ctx context.Context, changeID string) (*models.Change, error)
	UpdateChange(ctx context.Context, change *models.Change) error
	ListChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.Change, error)
	// FindChangesByCommit returns changes of project with a patch set pointing at commit.
	FindChangesByCommit(ctx context.Context, project, commit string) ([]*models.Change, error)

	// Change messages
	AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error
	ListChangeMessages(ctx context.Context, changeID string) ([]*models.ChangeMessage, error)

	// Branch locks. LockBranches takes every lock or none; a lock held by another owner
	// returns ErrLockHeld. Locks expire after ttl.
	LockBranches(ctx context.Context, owner string, keys []models.BranchKey, ttl time.Duration) error
	UnlockBranches(ctx context.Context, owner string, keys []models.BranchKey)

	// Health check
	Ping(ctx context.Context) error
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func validateChange(change *models.Change) error {
	if change == nil || change.ID == "" || change.Project == "" || change.Branch == "" {
		return ErrInvalidInput
	}
	return nil
}

// lessChangeID orders numeric ids numerically and everything else lexically.
func lessChangeID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	return a < b
}

// sortAndLimit orders changes by id and applies the filter limit.
func sortAndLimit(changes []*models.Change, limit int) []*models.Change {
	sort.Slice(changes, func(i, j int) bool { return lessChangeID(changes[i].ID, changes[j].ID) })
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	return changes
}

func sortMessages(msgs []*models.ChangeMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// sortedKeys returns the distinct lock keys in acquisition order.
func sortedKeys(keys []models.BranchKey) []models.BranchKey {
	seen := make(map[models.BranchKey]struct{}, len(keys))
	out := make([]models.BranchKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func hasPatchSet(change *models.Change, commit string) bool {
	for _, ps := range change.PatchSets {
		if ps.Commit == commit {
			return true
		}
	}
	return false
}
