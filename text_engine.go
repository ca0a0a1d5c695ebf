// deepcorrect/text_engine.go
// Range-addressed extraction and splicing over immutable document snapshots.
//
// Lines are split on "\n" only. A "\r" before the newline is ordinary line content and
// counts toward the line's character length. Characters are byte offsets.
package deepcorrect

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateSelection reports whether sel addresses existing text in documentText:
// both lines exist, both characters are within their line (the line length itself is
// allowed), and start does not come after end. It never panics.
func ValidateSelection(documentText string, sel TextSelection) bool {
	lines := strings.Split(documentText, "\n")
	return validateAgainstLines(lines, sel.Range)
}

func validateAgainstLines(lines []string, r Range) bool {
	s, e := r.Start, r.End
	if s.Line < 0 || e.Line < 0 || s.Character < 0 || e.Character < 0 {
		return false
	}
	if s.Line > e.Line || e.Line >= len(lines) {
		return false
	}
	if s.Character > len(lines[s.Line]) || e.Character > len(lines[e.Line]) {
		return false
	}
	return s.Line < e.Line || s.Character <= e.Character
}

// ExtractSelectedText returns the text covered by sel.
func ExtractSelectedText(documentText string, sel TextSelection) (string, error) {
	lines := strings.Split(documentText, "\n")
	if !validateAgainstLines(lines, sel.Range) {
		return "", invalidSelectionError(lines, sel)
	}
	s, e := sel.Start, sel.End
	if s.Line == e.Line {
		return lines[s.Line][s.Character:e.Character], nil
	}

	parts := make([]string, 0, e.Line-s.Line+1)
	parts = append(parts, lines[s.Line][s.Character:])
	parts = append(parts, lines[s.Line+1:e.Line]...)
	parts = append(parts, lines[e.Line][:e.Character])
	return strings.Join(parts, "\n"), nil
}

// ReplaceTextInSelection returns documentText with the span covered by sel replaced by
// replacement. Text outside the span is preserved byte for byte; replacement may contain
// newlines.
func ReplaceTextInSelection(documentText string, sel TextSelection, replacement string) (string, error) {
	start, end, err := SelectionOffsets(documentText, sel)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(documentText) - (end - start) + len(replacement))
	b.WriteString(documentText[:start])
	b.WriteString(replacement)
	b.WriteString(documentText[end:])
	return b.String(), nil
}

// SelectionOffsets maps sel to absolute byte offsets in documentText, counting each
// "\n" as one byte.
func SelectionOffsets(documentText string, sel TextSelection) (start, end int, err error) {
	lines := strings.Split(documentText, "\n")
	if !validateAgainstLines(lines, sel.Range) {
		return 0, 0, invalidSelectionError(lines, sel)
	}
	start = lineOffset(lines, sel.Start.Line) + sel.Start.Character
	end = lineOffset(lines, sel.End.Line) + sel.End.Character
	return start, end, nil
}

// SelectionOnRuneBoundaries reports whether sel is valid and neither end falls inside a
// multi-byte UTF-8 sequence of documentText.
func SelectionOnRuneBoundaries(documentText string, sel TextSelection) bool {
	start, end, err := SelectionOffsets(documentText, sel)
	if err != nil {
		return false
	}
	return runeBoundary(documentText, start) && runeBoundary(documentText, end)
}

func runeBoundary(s string, off int) bool {
	return off == len(s) || utf8.RuneStart(s[off])
}

// lineOffset returns the absolute offset of the first byte of line n.
func lineOffset(lines []string, n int) int {
	off := 0
	for i := 0; i < n; i++ {
		off += len(lines[i]) + 1
	}
	return off
}

func invalidSelectionError(lines []string, sel TextSelection) error {
	return fmt.Errorf("%w: %s in document with %d line(s)", ErrInvalidSelection, sel.Range, len(lines))
}
