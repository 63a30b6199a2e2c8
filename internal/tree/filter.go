package tree

import (
	"bytes"
	"fmt"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// SegmentRange is one per-segment range predicate within a KeyFilter
// (§4.4 "Key filter"): a segment of the key must lie within [Low, High]
// (inclusive bounds controlled by LowInclusive/HighInclusive).
type SegmentRange struct {
	Low, High               []byte
	LowInclusive, HighInclusive bool
}

// matches reports whether segment satisfies the range.
func (r SegmentRange) matches(segment []byte) bool {
	if r.Low != nil {
		cmp := bytes.Compare(segment, r.Low)
		if r.LowInclusive {
			if cmp < 0 {
				return false
			}
		} else if cmp <= 0 {
			return false
		}
	}
	if r.High != nil {
		cmp := bytes.Compare(segment, r.High)
		if r.HighInclusive {
			if cmp > 0 {
				return false
			}
		} else if cmp >= 0 {
			return false
		}
	}
	return true
}

// KeyFilter composes one SegmentRange per logical key segment with an
// overall textual representation used for validation error reporting.
type KeyFilter struct {
	Segments []SegmentRange
	Text     string // the filter's textual form, for Validate's error index
	splitFn  func(key []byte) [][]byte
}

// NewKeyFilter builds a filter over segments split by splitFn (a tree's
// logical key-segment boundary function — e.g. the length-prefixed
// encoding described in §3). A nil splitFn treats the whole key as one
// segment.
func NewKeyFilter(text string, segments []SegmentRange, splitFn func([]byte) [][]byte) *KeyFilter {
	return &KeyFilter{Segments: segments, Text: text, splitFn: splitFn}
}

// Validate returns 0 when the filter has segments but an empty textual
// form, and -1 otherwise. The text itself is not parsed, so no other
// inconsistency between segments and text is reported.
func (f *KeyFilter) Validate() int {
	if f.Text == "" && len(f.Segments) > 0 {
		return 0
	}
	return -1
}

// Match adapts the filter into a page.Filter predicate over full keys.
func (f *KeyFilter) Match() page.Filter {
	return func(key []byte) bool {
		segs := [][]byte{key}
		if f.splitFn != nil {
			segs = f.splitFn(key)
		}
		if len(f.Segments) == 0 {
			return true
		}
		for i, r := range f.Segments {
			if i >= len(segs) {
				return false
			}
			if !r.matches(segs[i]) {
				return false
			}
		}
		return true
	}
}

// Empty returns a filter matching nothing, per §8's boundary behavior
// "Tree traversal with an empty filter returns nothing".
func Empty() *KeyFilter {
	return &KeyFilter{Segments: []SegmentRange{{Low: []byte{0xff}, High: []byte{0x00}}}}
}

// Full returns a filter equivalent to unfiltered traversal.
func Full() *KeyFilter {
	return &KeyFilter{}
}

// ErrInvalidFilter is returned when a filter fails Validate before use.
var ErrInvalidFilter = fmt.Errorf("tree: invalid key filter")
