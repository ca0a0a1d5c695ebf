// deepcorrect/selection_compare.go
// Ordering and overlap predicates over document coordinates.
package deepcorrect

// ComparePositions orders positions by line, then character.
// It returns -1 if a < b, 0 if a == b and +1 if a > b.
func ComparePositions(a, b Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	default:
		return 0
	}
}

// RangesOverlap reports whether two ranges intersect. Ranges in different documents
// never overlap. Identical ranges and containment overlap; ranges that only touch
// (a.End == b.Start) do not.
//
// An empty range overlaps only a range that strictly contains its position. It does
// not overlap itself, so two tasks may hold the same insertion point at once.
func RangesOverlap(a, b Range, sameDocument bool) bool {
	if !sameDocument {
		return false
	}
	return !(ComparePositions(a.End, b.Start) <= 0 || ComparePositions(b.End, a.Start) <= 0)
}

// SelectionsOverlap applies RangesOverlap to two selections, deriving sameDocument from their URIs.
func SelectionsOverlap(a, b TextSelection) bool {
	return RangesOverlap(a.Range, b.Range, a.DocumentURI == b.DocumentURI)
}

// isOrdered reports whether r.Start <= r.End.
func isOrdered(r Range) bool {
	return ComparePositions(r.Start, r.End) <= 0
}
