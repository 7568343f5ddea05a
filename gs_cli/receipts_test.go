package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/niczy/gitsubmit/internal/models"
)

func TestReceiptStoreSavesAndLoads(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := newReceiptStoreWithRoot(tmpDir)
	if err != nil {
		t.Fatalf("failed to initialize receipt store: %v", err)
	}

	result := &models.SubmitResult{
		SubmissionID: "sub-1",
		Attempts:     2,
		SubmittedAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Outcomes: map[string]*models.Outcome{
			"7": {ChangeID: "7", Status: models.OutcomeMerged, Commit: "abc"},
		},
	}
	if err := store.Save(result); err != nil {
		t.Fatalf("failed to save receipt: %v", err)
	}

	exists, err := store.Has("sub-1")
	if err != nil {
		t.Fatalf("unexpected error from Has: %v", err)
	}
	if !exists {
		t.Fatalf("expected receipt for sub-1")
	}

	loaded, err := store.Load("sub-1")
	if err != nil {
		t.Fatalf("failed to load receipt: %v", err)
	}
	if loaded.Attempts != 2 || loaded.Outcomes["7"].Commit != "abc" {
		t.Fatalf("receipt mismatch: %+v", loaded)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("failed to list receipts: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sub-1" {
		t.Fatalf("unexpected receipts: %v", ids)
	}

	expectedPath := filepath.Join(tmpDir, "receipts", "sub-1.json")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("expected receipt file at %s: %v", expectedPath, err)
	}
}

func TestReceiptStoreRejectsEmptyID(t *testing.T) {
	store, err := newReceiptStoreWithRoot(t.TempDir())
	if err != nil {
		t.Fatalf("failed to initialize receipt store: %v", err)
	}
	if _, err := store.Has(""); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if err := store.Save(&models.SubmitResult{}); err == nil {
		t.Fatalf("expected error for result without submission id")
	}
}
