package repo

import (
	"bytes"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	markerOurs   = "<<<<<<< "
	markerSep    = "=======\n"
	markerTheirs = ">>>>>>> "
)

// hunk replaces base lines [start, end) with lines.
type hunk struct {
	start, end int
	lines      []string
	theirs     bool
}

func (h hunk) same(o hunk) bool {
	if h.start != o.start || h.end != o.end || len(h.lines) != len(o.lines) {
		return false
	}
	for i := range h.lines {
		if h.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// splitLines splits text into lines that keep their trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffHunks computes the edits that turn base into other, expressed against base line numbers.
func diffHunks(dmp *diffmatchpatch.DiffMatchPatch, base, other string, theirs bool) []hunk {
	a, b, lineArray := dmp.DiffLinesToChars(base, other)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var (
		hunks []hunk
		cur   *hunk
		pos   int
	)
	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += len(lines)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{start: pos, end: pos, theirs: theirs}
			}
			pos += len(lines)
			cur.end = pos
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{start: pos, end: pos, theirs: theirs}
			}
			cur.lines = append(cur.lines, lines...)
		}
	}
	flush()
	return hunks
}

// mergeText performs a line-based three-way merge. When the two sides touch the same region the
// result reports a conflict; with markers enabled the region is rendered with conflict markers.
func mergeText(base, ours, theirs string, markers bool, oursLabel, theirsLabel string) (string, bool) {
	if ours == theirs {
		return ours, false
	}
	if base == ours {
		return theirs, false
	}
	if base == theirs {
		return ours, false
	}

	dmp := diffmatchpatch.New()
	all := append(diffHunks(dmp, base, ours, false), diffHunks(dmp, base, theirs, true)...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end < all[j].end
	})

	baseLines := splitLines(base)
	var out strings.Builder
	conflict := false
	pos := 0

	for i := 0; i < len(all); {
		start, end := all[i].start, all[i].end
		j := i + 1
		for j < len(all) && all[j].start <= end {
			if all[j].end > end {
				end = all[j].end
			}
			j++
		}
		cluster := all[i:j]
		i = j

		for ; pos < start; pos++ {
			out.WriteString(baseLines[pos])
		}

		var mine, other []hunk
		for _, h := range cluster {
			if h.theirs {
				other = append(other, h)
			} else {
				mine = append(mine, h)
			}
		}

		switch {
		case len(other) == 0:
			out.WriteString(applyHunks(baseLines, start, end, mine))
		case len(mine) == 0:
			out.WriteString(applyHunks(baseLines, start, end, other))
		case len(mine) == 1 && len(other) == 1 && mine[0].same(other[0]):
			out.WriteString(applyHunks(baseLines, start, end, mine))
		default:
			conflict = true
			if !markers {
				return "", true
			}
			writeConflict(&out, applyHunks(baseLines, start, end, mine), applyHunks(baseLines, start, end, other), oursLabel, theirsLabel)
		}
		pos = end
	}
	for ; pos < len(baseLines); pos++ {
		out.WriteString(baseLines[pos])
	}
	return out.String(), conflict
}

// applyHunks renders base lines [start, end) with the given non-overlapping hunks applied.
func applyHunks(baseLines []string, start, end int, hunks []hunk) string {
	var b strings.Builder
	pos := start
	for _, h := range hunks {
		for ; pos < h.start; pos++ {
			b.WriteString(baseLines[pos])
		}
		for _, l := range h.lines {
			b.WriteString(l)
		}
		if h.end > pos {
			pos = h.end
		}
	}
	for ; pos < end; pos++ {
		b.WriteString(baseLines[pos])
	}
	return b.String()
}

func writeConflict(out *strings.Builder, ours, theirs, oursLabel, theirsLabel string) {
	out.WriteString(markerOurs + oursLabel + "\n")
	out.WriteString(ensureNewline(ours))
	out.WriteString(markerSep)
	out.WriteString(ensureNewline(theirs))
	out.WriteString(markerTheirs + theirsLabel + "\n")
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func isBinary(content []byte) bool {
	return bytes.IndexByte(content, 0) >= 0
}
