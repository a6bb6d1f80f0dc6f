package permgate

import "strings"

// matchGlob implements the spec's glob dialect: "**" matches any number of
// path components, "*" matches any run within a single component, "?"
// matches exactly one character within a component, and leading-dot files
// are matched like any other. Paths are assumed already '/'-separated and
// normalised by the caller.
func matchGlob(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

func splitSegments(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}

	if pat[0] == "**" {
		// "**" may consume zero or more path components.
		if matchSegments(pat[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegments(pat, path[1:])
	}

	if len(path) == 0 {
		return false
	}

	if !matchComponent(pat[0], path[0]) {
		return false
	}

	return matchSegments(pat[1:], path[1:])
}

// matchComponent matches a single path component against a pattern
// component using '*' (any run) and '?' (single character).
func matchComponent(pat, s string) bool {
	return matchRunes([]rune(pat), []rune(s))
}

func matchRunes(pat, s []rune) bool {
	if len(pat) == 0 {
		return len(s) == 0
	}

	switch pat[0] {
	case '*':
		if matchRunes(pat[1:], s) {
			return true
		}
		if len(s) == 0 {
			return false
		}
		return matchRunes(pat, s[1:])
	case '?':
		if len(s) == 0 {
			return false
		}
		return matchRunes(pat[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pat[0] {
			return false
		}
		return matchRunes(pat[1:], s[1:])
	}
}

// MatchAny reports whether path matches at least one of the given patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if matchGlob(p, path) {
			return true
		}
	}
	return false
}
