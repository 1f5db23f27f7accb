package ids

import (
	"regexp"
	"strings"

	"github.com/trellis-mbe/trellis/pkg/errs"
)

// Delimiter separates the segments of a composite id.
const Delimiter = ":"

const (
	// MinSegmentLength is the shortest allowed id segment.
	MinSegmentLength = 2
	// MaxSegmentLength is the longest allowed id segment.
	MaxSegmentLength = 64
	// MaxDepth is the deepest containment chain (org:project:branch:element).
	MaxDepth = 4
)

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-_.]*$`)

// Build joins id segments into a composite id. Segments are not validated;
// call Validate or ValidateSegment when the input is untrusted.
func Build(segments ...string) string {
	return strings.Join(segments, Delimiter)
}

// Parse splits a composite id back into its segments.
func Parse(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, Delimiter)
}

// ValidateSegment checks one id segment against the length bounds and the
// allowed character pattern. The returned error names the segment and the
// bound that was violated.
func ValidateSegment(segment string) error {
	switch {
	case len(segment) < MinSegmentLength:
		return errs.NewValidation("id", "segment [%s] is shorter than %d characters", segment, MinSegmentLength)
	case len(segment) > MaxSegmentLength:
		return errs.NewValidation("id", "segment [%s] is longer than %d characters", segment, MaxSegmentLength)
	case !segmentPattern.MatchString(segment):
		return errs.NewValidation("id", "segment [%s] contains invalid characters", segment)
	}
	return nil
}

// Validate checks a composite id: segment count within depth bounds and every
// segment individually valid.
func Validate(id string) error {
	segments := Parse(id)
	if len(segments) == 0 {
		return errs.NewValidation("id", "id is empty")
	}
	if len(segments) > MaxDepth {
		return errs.NewValidation("id", "id [%s] has more than %d segments", id, MaxDepth)
	}
	for _, s := range segments {
		if err := ValidateSegment(s); err != nil {
			return err
		}
	}
	return nil
}

// Ancestors returns the chain of composite ancestor ids for a composite id,
// shortest first, excluding the id itself. For "a:b:c" it returns
// ["a", "a:b"].
func Ancestors(id string) []string {
	segments := Parse(id)
	if len(segments) < 2 {
		return nil
	}
	chain := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		chain = append(chain, Build(segments[:i]...))
	}
	return chain
}

// Leaf returns the final segment of a composite id.
func Leaf(id string) string {
	segments := Parse(id)
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// Scope returns the composite id truncated to depth segments, or the id
// itself when it is shallower. Scope("a:b:c:d", 2) == "a:b".
func Scope(id string, depth int) string {
	segments := Parse(id)
	if depth >= len(segments) {
		return id
	}
	return Build(segments[:depth]...)
}
