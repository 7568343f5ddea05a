package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/niczy/gitsubmit/internal/models"
)

func TestStorageCompliance(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		factory func(t *testing.T) Storage
	}{
		{
			name: "in-memory",
			factory: func(t *testing.T) Storage {
				t.Helper()
				return NewInMemoryStorage()
			},
		},
		{
			name: "redis",
			factory: func(t *testing.T) Storage {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				store := NewInMemoryObjectStore()
				t.Cleanup(func() {
					_ = client.Close()
					mr.Close()
				})
				return NewRedisStorage(client, store, "test")
			},
		},
		{
			name: "sqlite",
			factory: func(t *testing.T) Storage {
				t.Helper()
				st, err := OpenSQLite(filepath.Join(t.TempDir(), "meta", "gitsubmit.db"))
				if err != nil {
					t.Fatalf("OpenSQLite failed: %v", err)
				}
				t.Cleanup(func() { _ = st.Close() })
				return st
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runStorageContract(ctx, t, tc.factory(t))
		})
	}
}

func newChange(id, project, commit, topic string) *models.Change {
	return &models.Change{
		ID:      id,
		Key:     "I" + commit,
		Project: project,
		Branch:  "refs/heads/master",
		Status:  models.ChangeStatusNew,
		Topic:   topic,
		Owner:   "alice",
		Subject: "change " + id,
		PatchSets: []*models.PatchSet{
			{Number: 1, Commit: commit, Uploader: "alice", CreatedAt: time.Unix(1700000000, 0).UTC()},
		},
	}
}

func runStorageContract(ctx context.Context, t *testing.T, st Storage) {
	t.Helper()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// Create and fetch
	c1 := newChange("1", "platform", "aaaa", "feature")
	if err := st.CreateChange(ctx, c1); err != nil {
		t.Fatalf("CreateChange failed: %v", err)
	}
	if err := st.CreateChange(ctx, newChange("1", "platform", "aaaa", "")); !errors.Is(err, ErrChangeExists) {
		t.Fatalf("expected ErrChangeExists, got %v", err)
	}
	if err := st.CreateChange(ctx, &models.Change{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	fetched, err := st.GetChange(ctx, "1")
	if err != nil || fetched.Key != c1.Key || len(fetched.PatchSets) != 1 {
		t.Fatalf("GetChange mismatch: %v %+v", err, fetched)
	}
	if _, err := st.GetChange(ctx, "404"); !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound, got %v", err)
	}

	// Listing and filters
	for _, c := range []*models.Change{
		newChange("10", "platform", "bbbb", "feature"),
		newChange("2", "tools", "cccc", ""),
	} {
		if err := st.CreateChange(ctx, c); err != nil {
			t.Fatalf("CreateChange %s failed: %v", c.ID, err)
		}
	}
	all, err := st.ListChanges(ctx, models.ChangeFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("ListChanges unexpected: %v len=%d", err, len(all))
	}
	if all[0].ID != "1" || all[1].ID != "2" || all[2].ID != "10" {
		t.Fatalf("ListChanges order mismatch: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}
	topic, err := st.ListChanges(ctx, models.ChangeFilter{Topic: "feature"})
	if err != nil || len(topic) != 2 {
		t.Fatalf("ListChanges by topic unexpected: %v len=%d", err, len(topic))
	}
	limited, err := st.ListChanges(ctx, models.ChangeFilter{Project: "platform", Limit: 1})
	if err != nil || len(limited) != 1 || limited[0].ID != "1" {
		t.Fatalf("ListChanges limit unexpected: %v len=%d", err, len(limited))
	}

	// Update and status filter
	fetched.Status = models.ChangeStatusMerged
	fetched.MergedCommit = "aaaa"
	fetched.Submitter = "bob"
	if err := st.UpdateChange(ctx, fetched); err != nil {
		t.Fatalf("UpdateChange failed: %v", err)
	}
	merged := models.ChangeStatusMerged
	mergedList, err := st.ListChanges(ctx, models.ChangeFilter{Status: &merged})
	if err != nil || len(mergedList) != 1 || mergedList[0].Submitter != "bob" {
		t.Fatalf("ListChanges by status unexpected: %v len=%d", err, len(mergedList))
	}
	if err := st.UpdateChange(ctx, newChange("404", "platform", "ffff", "")); !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound on update, got %v", err)
	}

	// Commit lookup
	byCommit, err := st.FindChangesByCommit(ctx, "platform", "bbbb")
	if err != nil || len(byCommit) != 1 || byCommit[0].ID != "10" {
		t.Fatalf("FindChangesByCommit unexpected: %v len=%d", err, len(byCommit))
	}
	other, err := st.FindChangesByCommit(ctx, "tools", "bbbb")
	if err != nil || len(other) != 0 {
		t.Fatalf("FindChangesByCommit across projects unexpected: %v len=%d", err, len(other))
	}

	// Messages
	first := &models.ChangeMessage{ChangeID: "1", Author: "bob", Message: "first", CreatedAt: time.Unix(1700000100, 0).UTC()}
	second := &models.ChangeMessage{ChangeID: "1", Author: "bob", Message: "second", CreatedAt: time.Unix(1700000200, 0).UTC()}
	for _, msg := range []*models.ChangeMessage{second, first} {
		if err := st.AddChangeMessage(ctx, msg); err != nil {
			t.Fatalf("AddChangeMessage failed: %v", err)
		}
		if msg.ID == "" {
			t.Fatalf("AddChangeMessage did not assign an id")
		}
	}
	msgs, err := st.ListChangeMessages(ctx, "1")
	if err != nil || len(msgs) != 2 || msgs[0].Message != "first" || msgs[1].Message != "second" {
		t.Fatalf("ListChangeMessages unexpected: %v %+v", err, msgs)
	}
	if err := st.AddChangeMessage(ctx, &models.ChangeMessage{ChangeID: "404", Message: "x"}); !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound for message, got %v", err)
	}

	// Locking
	master := models.BranchKey{Project: "platform", Branch: "refs/heads/master"}
	tools := models.BranchKey{Project: "tools", Branch: "refs/heads/master"}
	if err := st.LockBranches(ctx, "sub-1", []models.BranchKey{tools, master}, time.Minute); err != nil {
		t.Fatalf("LockBranches failed: %v", err)
	}
	if err := st.LockBranches(ctx, "sub-1", []models.BranchKey{master}, time.Minute); err != nil {
		t.Fatalf("re-entrant LockBranches failed: %v", err)
	}
	if err := st.LockBranches(ctx, "sub-2", []models.BranchKey{master}, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	st.UnlockBranches(ctx, "sub-2", []models.BranchKey{master})
	if err := st.LockBranches(ctx, "sub-2", []models.BranchKey{master}, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("unlock by a different owner released the lock: %v", err)
	}
	st.UnlockBranches(ctx, "sub-1", []models.BranchKey{tools, master})
	if err := st.LockBranches(ctx, "sub-2", []models.BranchKey{master}, time.Minute); err != nil {
		t.Fatalf("Lock after unlock failed: %v", err)
	}
	st.UnlockBranches(ctx, "sub-2", []models.BranchKey{master})
}

func TestRedisStorageRebuildIndexes(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := NewRedisStorage(client, NewInMemoryObjectStore(), "test")
	if err := st.CreateChange(ctx, newChange("7", "platform", "abcd", "")); err != nil {
		t.Fatalf("CreateChange failed: %v", err)
	}
	if err := st.AddChangeMessage(ctx, &models.ChangeMessage{ChangeID: "7", Message: "hello"}); err != nil {
		t.Fatalf("AddChangeMessage failed: %v", err)
	}

	mr.FlushAll()

	// Reads fall back to the durable snapshot.
	if _, err := st.GetChange(ctx, "7"); err != nil {
		t.Fatalf("GetChange after flush failed: %v", err)
	}

	mr.FlushAll()
	if err := st.RebuildIndexes(ctx); err != nil {
		t.Fatalf("RebuildIndexes failed: %v", err)
	}
	byCommit, err := st.FindChangesByCommit(ctx, "platform", "abcd")
	if err != nil || len(byCommit) != 1 {
		t.Fatalf("FindChangesByCommit after rebuild unexpected: %v len=%d", err, len(byCommit))
	}
	msgs, err := st.ListChangeMessages(ctx, "7")
	if err != nil || len(msgs) != 1 || msgs[0].Message != "hello" {
		t.Fatalf("ListChangeMessages after rebuild unexpected: %v %+v", err, msgs)
	}
}

func TestInMemoryLockExpiry(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStorage()
	now := time.Unix(1700000000, 0)
	st.now = func() time.Time { return now }

	key := models.BranchKey{Project: "p", Branch: "refs/heads/master"}
	if err := st.LockBranches(ctx, "a", []models.BranchKey{key}, time.Second); err != nil {
		t.Fatalf("LockBranches failed: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := st.LockBranches(ctx, "b", []models.BranchKey{key}, time.Second); err != nil {
		t.Fatalf("expired lock was not reclaimed: %v", err)
	}
}
