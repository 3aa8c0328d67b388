package forge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrMalformedVersion = errors.New("malformed version")
	ErrUnknownOperator  = errors.New("unknown version operator")
)

// Version is a parsed major.minor[.patch] version. A missing patch
// component compares as zero.
type Version [3]int

// ParseVersion parses a strict dotted-numeric version string.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return v, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	for i, p := range parts {
		if p == "" || strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return v, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		v[i] = n
	}
	return v, nil
}

// cmp returns -1, 0 or 1.
func (v Version) cmp(o Version) int {
	for i := range v {
		if v[i] < o[i] {
			return -1
		}
		if v[i] > o[i] {
			return 1
		}
	}
	return 0
}

var versionOperators = map[string]func(int) bool{
	"<=": func(c int) bool { return c <= 0 },
	"==": func(c int) bool { return c == 0 },
	">=": func(c int) bool { return c >= 0 },
	"!=": func(c int) bool { return c != 0 },
}

// CompareVersions evaluates "a op b". Both operands must be strict
// versions; a malformed operand or unknown operator is an error.
func CompareVersions(a, b, op string) (bool, error) {
	fn, ok := versionOperators[op]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	va, err := ParseVersion(a)
	if err != nil {
		return false, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return false, err
	}
	return fn(va.cmp(vb)), nil
}

// NormalizeVersion reduces a distribution version such as "1:2.4.7-1ubuntu2"
// to the strict grammar ("2.4.7"). The epoch and everything after the
// leading numeric run are dropped; a single number gains ".0". Returns ""
// when no numeric prefix exists.
func NormalizeVersion(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	end := 0
	for end < len(s) && (unicode.IsDigit(rune(s[end])) || s[end] == '.') {
		end++
	}
	s = strings.Trim(s[:end], ".")
	if s == "" {
		return ""
	}
	parts := strings.Split(s, ".")
	out := make([]string, 0, 3)
	for _, p := range parts {
		if p == "" {
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		out = append(out, strconv.Itoa(n))
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	if len(out) == 1 {
		out = append(out, "0")
	}
	return strings.Join(out, ".")
}
