// Package diff computes single-hunk line diffs between two versions of a file.
//
// The algorithm trims the common prefix and suffix and reports everything in
// between as one changed block. Content with several disjoint edits is shown
// as one larger hunk rather than a minimal edit script.
package diff

import (
	"fmt"
	"strings"
)

// ContextLines is the number of unchanged lines kept on each side of a change
const ContextLines = 3

// Op tags a diff line
type Op byte

const (
	OpContext Op = ' '
	OpRemove  Op = '-'
	OpAdd     Op = '+'
)

// Line is one rendered line of a hunk
type Line struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
	// NoNewline is set on the last line of a side that lacks a trailing newline
	NoNewline bool `json:"no_newline,omitempty"`
}

// Hunk is a contiguous region of the file with its unified-diff header numbers
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldCount int    `json:"old_count"`
	NewStart int    `json:"new_start"`
	NewCount int    `json:"new_count"`
	Lines    []Line `json:"lines"`
}

// Header returns the "@@ -a,b +c,d @@" line
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// FileDiff is the renderer-agnostic diff of one file
type FileDiff struct {
	Label string `json:"label"`
	// IsNew is set when the old side was empty
	IsNew bool   `json:"is_new"`
	Hunks []Hunk `json:"hunks"`
}

// Added counts added lines across all hunks
func (d FileDiff) Added() int { return d.count(OpAdd) }

// Removed counts removed lines across all hunks
func (d FileDiff) Removed() int { return d.count(OpRemove) }

// Changed reports whether the two sides differ
func (d FileDiff) Changed() bool { return d.Added() > 0 || d.Removed() > 0 }

func (d FileDiff) count(op Op) int {
	n := 0
	for _, h := range d.Hunks {
		for _, l := range h.Lines {
			if l.Op == op {
				n++
			}
		}
	}
	return n
}

// Compute diffs oldContent against newContent. Identical content yields a
// single all-context hunk spanning the whole file.
func Compute(oldContent, newContent, label string) FileDiff {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	p := 0
	for p < len(oldLines) && p < len(newLines) && oldLines[p] == newLines[p] {
		p++
	}
	s := 0
	for s < len(oldLines)-p && s < len(newLines)-p &&
		oldLines[len(oldLines)-1-s] == newLines[len(newLines)-1-s] {
		s++
	}

	oldEnd := len(oldLines) - s
	newEnd := len(newLines) - s

	var hunk Hunk
	if p == oldEnd && p == newEnd {
		hunk = contextHunk(oldLines)
	} else {
		hunk = changeHunk(oldLines, newLines, p, oldEnd, newEnd, min(ContextLines, p), min(ContextLines, s))
	}

	return FileDiff{
		Label: label,
		IsNew: oldContent == "",
		Hunks: []Hunk{hunk},
	}
}

func contextHunk(lines []string) Hunk {
	out := make([]Line, 0, len(lines))
	for i, l := range lines {
		out = append(out, line(OpContext, l, i == len(lines)-1))
	}
	return Hunk{
		OldStart: start(1, len(lines)),
		OldCount: len(lines),
		NewStart: start(1, len(lines)),
		NewCount: len(lines),
		Lines:    out,
	}
}

// changeHunk covers old[p:oldEnd] and new[p:newEnd] plus before/after lines
// of surrounding context.
func changeHunk(oldLines, newLines []string, p, oldEnd, newEnd, before, after int) Hunk {
	var out []Line
	for i := p - before; i < p; i++ {
		out = append(out, line(OpContext, oldLines[i], false))
	}
	for i := p; i < oldEnd; i++ {
		out = append(out, line(OpRemove, oldLines[i], i == len(oldLines)-1))
	}
	for i := p; i < newEnd; i++ {
		out = append(out, line(OpAdd, newLines[i], i == len(newLines)-1))
	}
	for i := oldEnd; i < oldEnd+after; i++ {
		out = append(out, line(OpContext, oldLines[i], i == len(oldLines)-1))
	}

	oldCount := before + (oldEnd - p) + after
	newCount := before + (newEnd - p) + after
	return Hunk{
		OldStart: start(p-before+1, oldCount),
		OldCount: oldCount,
		NewStart: start(p-before+1, newCount),
		NewCount: newCount,
		Lines:    out,
	}
}

// start follows the unified-diff convention that an empty range names the
// line before it.
func start(first, count int) int {
	if count == 0 {
		return first - 1
	}
	return first
}

// line strips the terminator kept by splitLines. Lines without one are the
// last line of a file that does not end in a newline.
func line(op Op, raw string, last bool) Line {
	text, hadNewline := strings.CutSuffix(raw, "\n")
	return Line{Op: op, Text: text, NoNewline: last && !hadNewline}
}

// splitLines keeps each line's terminator so a missing final newline counts
// as a change.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// MarshalText renders the op as its unified-diff prefix
func (o Op) MarshalText() ([]byte, error) {
	return []byte{byte(o)}, nil
}

// UnmarshalText parses a unified-diff prefix
func (o *Op) UnmarshalText(b []byte) error {
	if len(b) != 1 {
		return fmt.Errorf("invalid diff op %q", b)
	}
	switch op := Op(b[0]); op {
	case OpContext, OpRemove, OpAdd:
		*o = op
		return nil
	}
	return fmt.Errorf("invalid diff op %q", b)
}
