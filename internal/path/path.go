// Package path models the hierarchical addresses used by syncd nodes and
// the wildcard patterns used to select sets of them.
package path

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator joins segments in the flattened string form used for
	// storage keys, logs, and CLI input.
	Separator = "/"
	// WildcardOne matches exactly one segment at its position.
	WildcardOne = "*"
	// WildcardRest matches zero or more remaining segments and is only
	// valid as the final pattern segment.
	WildcardRest = "#"
)

// ErrInvalidFormat reports a malformed path or pattern.
var ErrInvalidFormat = errors.New("path: invalid format")

// Path is an ordered, non-empty sequence of literal segments addressing a
// single node.
type Path []string

// Pattern is an ordered, non-empty sequence of segments where each element
// is either a literal, WildcardOne, or a terminal WildcardRest.
type Pattern []string

// Parse validates segments as a literal path.
func Parse(segments []string) (Path, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidFormat)
	}
	p := make(Path, len(segments))
	for i, seg := range segments {
		if err := checkLiteral(seg); err != nil {
			return nil, err
		}
		p[i] = seg
	}
	return p, nil
}

// ParsePattern validates segments as a pattern. A pattern without
// wildcards is valid and selects exactly one path.
func ParsePattern(segments []string) (Pattern, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidFormat)
	}
	p := make(Pattern, len(segments))
	for i, seg := range segments {
		switch seg {
		case WildcardOne:
		case WildcardRest:
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: %q allowed only as the final segment", ErrInvalidFormat, WildcardRest)
			}
		default:
			if err := checkLiteral(seg); err != nil {
				return nil, err
			}
		}
		p[i] = seg
	}
	return p, nil
}

func checkLiteral(seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidFormat)
	}
	if seg == WildcardOne || seg == WildcardRest {
		return fmt.Errorf("%w: wildcard %q in literal position", ErrInvalidFormat, seg)
	}
	if strings.Contains(seg, Separator) {
		return fmt.Errorf("%w: segment %q contains %q", ErrInvalidFormat, seg, Separator)
	}
	return nil
}

// String returns the slash-joined form.
func (p Path) String() string { return strings.Join(p, Separator) }

// Equal reports whether both paths consist of identical segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// String returns the slash-joined form.
func (p Pattern) String() string { return strings.Join(p, Separator) }

// HasWildcard reports whether the pattern contains a wildcard segment.
func (p Pattern) HasWildcard() bool {
	for _, seg := range p {
		if seg == WildcardOne || seg == WildcardRest {
			return true
		}
	}
	return false
}

// Literal reinterprets a wildcard-free pattern as a path. Callers must
// check HasWildcard first; the conversion itself performs no validation.
func (p Pattern) Literal() Path {
	return Path(p)
}

// Equal reports whether both patterns consist of identical segments.
func (p Pattern) Equal(other Pattern) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Matches reports whether the pattern selects path. WildcardOne consumes
// exactly one segment; a terminal WildcardRest consumes the remainder,
// including an empty remainder.
func (p Pattern) Matches(path Path) bool {
	for i, seg := range p {
		if seg == WildcardRest {
			return true
		}
		if i >= len(path) {
			return false
		}
		if seg == WildcardOne {
			continue
		}
		if seg != path[i] {
			return false
		}
	}
	return len(path) == len(p)
}

// Split breaks a slash-delimited string into raw segments, trimming
// surrounding separators. It performs no validation; feed the result to
// Parse or ParsePattern.
func Split(s string) []string {
	s = strings.Trim(s, Separator)
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}
