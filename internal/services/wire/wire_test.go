package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niczy/gitsubmit/internal/models"
)

func TestChangeSurvivesStruct(t *testing.T) {
	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	in := &models.Change{
		ID:        "42",
		Project:   "platform/core",
		Branch:    "refs/heads/main",
		Status:    models.ChangeStatusMerged,
		PatchSets: []*models.PatchSet{{Number: 2, Commit: "abc"}},
		CreatedAt: at,
	}
	s, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "platform/core", s.Fields["project"].GetStringValue())

	var out models.Change
	require.NoError(t, Decode(s, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, models.ChangeStatusMerged, out.Status)
	assert.Equal(t, "abc", out.PatchSets[0].Commit)
	assert.True(t, at.Equal(out.CreatedAt))
}

func TestDecodeNil(t *testing.T) {
	var out models.Change
	assert.NoError(t, Decode(nil, &out))
	assert.Empty(t, out.ID)
}
