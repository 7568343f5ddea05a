package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeText(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ours     string
		theirs   string
		markers  bool
		want     string
		conflict bool
	}{
		{
			name:   "disjoint edits",
			base:   "a\nb\nc\n",
			ours:   "A\nb\nc\n",
			theirs: "a\nb\nC\n",
			want:   "A\nb\nC\n",
		},
		{
			name:   "one side unchanged",
			base:   "a\nb\n",
			ours:   "a\nb\n",
			theirs: "a\nb\nc\n",
			want:   "a\nb\nc\n",
		},
		{
			name:   "identical edits",
			base:   "a\nb\nc\n",
			ours:   "a\nX\nc\n",
			theirs: "a\nX\nc\n",
			want:   "a\nX\nc\n",
		},
		{
			name:     "overlapping edits",
			base:     "a\nb\nc\n",
			ours:     "a\nX\nc\n",
			theirs:   "a\nY\nc\n",
			conflict: true,
		},
		{
			name:     "overlapping edits with markers",
			base:     "a\nb\nc\n",
			ours:     "a\nX\nc\n",
			theirs:   "a\nY\nc\n",
			markers:  true,
			want:     "a\n<<<<<<< ours\nX\n=======\nY\n>>>>>>> theirs\nc\n",
			conflict: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conflict := mergeText(tt.base, tt.ours, tt.theirs, tt.markers, "ours", "theirs")
			assert.Equal(t, tt.conflict, conflict)
			if !tt.conflict || tt.markers {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Equal(t, []string{"a\n", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{"a\n", "b\n"}, splitLines("a\nb\n"))
}

func TestSubmoduleProject(t *testing.T) {
	tests := map[string]string{
		"../lib":                             "lib",
		"../../group/lib.git":                "group/lib",
		"https://review.example.com/a/b.git": "a/b",
		"ssh://host:29418/platform/core":     "platform/core",
	}
	for url, want := range tests {
		assert.Equal(t, want, Submodule{URL: url}.Project(), url)
	}
}
