package forge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnresolvedVariable = errors.New("unresolved template variable")

// Renderer turns recipe command templates into shell command lines.
//
// Rendering runs two passes:
//
//  1. Variable substitution. "$name" and "${name}" are replaced by the value
//     of name. Recipe-local variables are looked up by exact name first, then
//     global variables by their lower-cased key. Names are scanned
//     longest-match over [A-Za-z0-9_].
//  2. Conditional macros. For every variable NAME in the merged scope, in
//     sorted order, each "NAME==literal?{a}:{b}" is replaced by a when the
//     value of NAME equals literal and by b otherwise. Branches cannot
//     contain braces. The pass runs once per name; a branch that yields a
//     further macro for a name already processed stays unexpanded.
//
// Unknown variables are left verbatim unless Strict is set, in which case
// Render returns ErrUnresolvedVariable.
type Renderer struct {
	Strict bool
}

// Render expands tmpl against the local and global scopes.
func (r Renderer) Render(tmpl string, local, global map[string]string) (string, error) {
	lowered := make(map[string]string, len(global))
	for k, v := range global {
		lowered[strings.ToLower(k)] = v
	}

	out, unresolved := substitute(tmpl, func(name string) (string, bool) {
		if v, ok := local[name]; ok {
			return v, true
		}
		v, ok := lowered[name]
		return v, ok
	})
	if r.Strict && len(unresolved) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVariable, strings.Join(unresolved, ", "))
	}

	merged := make(map[string]string, len(lowered)+len(local))
	for k, v := range lowered {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		out = expandMacros(out, name, merged[name])
	}
	return out, nil
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// substitute performs the variable pass. It returns the expanded string and
// the sorted, de-duplicated names that had no value.
func substitute(s string, lookup func(string) (string, bool)) (string, []string) {
	var b strings.Builder
	missing := map[string]bool{}
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			i++
			continue
		}

		// ${name}
		if s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			name := ""
			if end >= 0 {
				name = s[i+2 : i+2+end]
			}
			if end < 0 || name == "" || !allNameBytes(name) {
				b.WriteByte(c)
				i++
				continue
			}
			token := s[i : i+3+end]
			if v, ok := lookup(name); ok {
				b.WriteString(v)
			} else {
				missing[name] = true
				b.WriteString(token)
			}
			i += len(token)
			continue
		}

		// $name
		j := i + 1
		for j < len(s) && isNameByte(s[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			i++
			continue
		}
		name := s[i+1 : j]
		if v, ok := lookup(name); ok {
			b.WriteString(v)
		} else {
			missing[name] = true
			b.WriteString(s[i:j])
		}
		i = j
	}

	names := make([]string, 0, len(missing))
	for n := range missing {
		names = append(names, n)
	}
	sort.Strings(names)
	return b.String(), names
}

func allNameBytes(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return true
}

// expandMacros resolves every "name==literal?{a}:{b}" for one name.
func expandMacros(s, name, value string) string {
	needle := name + "=="
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(s[i:], needle)
		if j < 0 {
			b.WriteString(s[i:])
			return b.String()
		}
		j += i
		after := j + len(needle)
		// the name must start a word, so "xfoo==" is not a macro for foo
		if j > 0 && isNameByte(s[j-1]) {
			b.WriteString(s[i:after])
			i = after
			continue
		}
		literal, yes, no, end, ok := parseMacro(s, after)
		if !ok {
			b.WriteString(s[i:after])
			i = after
			continue
		}
		b.WriteString(s[i:j])
		if literal == value {
			b.WriteString(yes)
		} else {
			b.WriteString(no)
		}
		i = end
	}
}

// parseMacro parses "literal?{a}:{b}" starting at pos and returns the parts
// and the index just past the closing brace.
func parseMacro(s string, pos int) (literal, yes, no string, end int, ok bool) {
	k := pos
	for k < len(s) && isNameByte(s[k]) {
		k++
	}
	if k == pos {
		return "", "", "", 0, false
	}
	literal = s[pos:k]

	yes, k, ok = parseBranch(s, k, "?{")
	if !ok {
		return "", "", "", 0, false
	}
	no, k, ok = parseBranch(s, k, ":{")
	if !ok {
		return "", "", "", 0, false
	}
	return literal, yes, no, k, true
}

func parseBranch(s string, pos int, open string) (string, int, bool) {
	if !strings.HasPrefix(s[pos:], open) {
		return "", 0, false
	}
	start := pos + len(open)
	end := strings.IndexByte(s[start:], '}')
	if end < 0 {
		return "", 0, false
	}
	body := s[start : start+end]
	if strings.ContainsRune(body, '{') {
		return "", 0, false
	}
	return body, start + end + 1, true
}
