package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/niczy/gitsubmit/internal/models"
)

// ReceiptStore keeps the results of submissions made from this machine.
// Receipts are stored under ~/.gitsubmit/receipts/<submission-id>.json.
type ReceiptStore struct {
	root string
}

// NewReceiptStore opens the receipt store at the default location.
func NewReceiptStore() (*ReceiptStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return newReceiptStoreWithRoot(filepath.Join(home, ".gitsubmit"))
}

func newReceiptStoreWithRoot(root string) (*ReceiptStore, error) {
	dir := filepath.Join(root, "receipts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ReceiptStore{root: root}, nil
}

func (r *ReceiptStore) path(id string) string {
	return filepath.Join(r.root, "receipts", id+".json")
}

// Has reports whether a receipt exists for the submission.
func (r *ReceiptStore) Has(id string) (bool, error) {
	if id == "" {
		return false, errors.New("missing submission id for receipt lookup")
	}
	_, err := os.Stat(r.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads the receipt of a submission.
func (r *ReceiptStore) Load(id string) (*models.SubmitResult, error) {
	if id == "" {
		return nil, errors.New("missing submission id for receipt read")
	}
	raw, err := os.ReadFile(r.path(id))
	if err != nil {
		return nil, err
	}
	var result models.SubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Save writes the receipt of a submission.
func (r *ReceiptStore) Save(result *models.SubmitResult) error {
	if result == nil || result.SubmissionID == "" {
		return errors.New("missing submission id for receipt write")
	}
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path(result.SubmissionID), raw, 0o644)
}

// List returns the stored submission ids in name order.
func (r *ReceiptStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, "receipts"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
