package format

import "strings"

type segKind int

const (
	segText segKind = iota
	segFence
	segCode
	segMath
	segDisplayMath
)

type segment struct {
	kind segKind
	s    string
}

// protected segments are never rewritten by later stages.
func (s segment) protected() bool { return s.kind != segText }

// split cuts markdown into text and protected segments: fenced code,
// inline code spans, $$display$$ math and $inline$ math. Math follows the
// pandoc rules: an opening $ must be followed by a non-space, a closing $
// must follow a non-space and must not be followed by a digit. A $ without
// a partner stays in a text segment. Backslash escapes are kept as text.
func split(md string) []segment {
	var segs []segment
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			segs = append(segs, segment{kind: segText, s: text.String()})
			text.Reset()
		}
	}
	emit := func(k segKind, s string) {
		flush()
		segs = append(segs, segment{kind: k, s: s})
	}

	i := 0
	for i < len(md) {
		if i == 0 || md[i-1] == '\n' {
			if end, ok := fencedBlock(md, i); ok {
				emit(segFence, md[i:end])
				i = end
				continue
			}
		}
		switch c := md[i]; c {
		case '\\':
			end := i + 2
			if end > len(md) {
				end = len(md)
			}
			text.WriteString(md[i:end])
			i = end
		case '`':
			n := runLength(md, i, '`')
			if end := closingRun(md, i+n, n); end > 0 {
				emit(segCode, md[i:end])
				i = end
				continue
			}
			text.WriteString(md[i : i+n])
			i += n
		case '$':
			if i+1 < len(md) && md[i+1] == '$' {
				if end := closingDisplay(md, i+2); end > 0 {
					emit(segDisplayMath, md[i:end])
					i = end
					continue
				}
				text.WriteString("$$")
				i += 2
				continue
			}
			if end := closingInline(md, i); end > 0 {
				emit(segMath, md[i:end])
				i = end
				continue
			}
			text.WriteByte('$')
			i++
		default:
			text.WriteByte(c)
			i++
		}
	}
	flush()
	return segs
}

func join(segs []segment) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.s)
	}
	return sb.String()
}

func runLength(s string, i int, c byte) int {
	n := 0
	for i+n < len(s) && s[i+n] == c {
		n++
	}
	return n
}

// closingRun finds a backtick run of exactly n starting at or after from
// and returns the index just past it.
func closingRun(s string, from, n int) int {
	for j := from; j < len(s); {
		if s[j] != '`' {
			j++
			continue
		}
		m := runLength(s, j, '`')
		if m == n {
			return j + m
		}
		j += m
	}
	return -1
}

// fencedBlock reports whether a fenced code block opens at line start i and
// returns the offset just past its closing fence line. An unclosed fence
// runs to the end of the document.
func fencedBlock(s string, i int) (int, bool) {
	j := i
	for j < len(s) && j-i < 3 && s[j] == ' ' {
		j++
	}
	if j >= len(s) || (s[j] != '`' && s[j] != '~') {
		return 0, false
	}
	ch := s[j]
	n := runLength(s, j, ch)
	if n < 3 {
		return 0, false
	}
	lineEnd := strings.IndexByte(s[j:], '\n')
	if lineEnd < 0 {
		return len(s), true
	}
	if ch == '`' && strings.IndexByte(s[j+n:j+lineEnd], '`') >= 0 {
		return 0, false
	}
	pos := j + lineEnd + 1
	for pos < len(s) {
		next := strings.IndexByte(s[pos:], '\n')
		line := s[pos:]
		if next >= 0 {
			line = s[pos : pos+next]
		}
		trimmed := strings.TrimLeft(line, " ")
		if len(line)-len(trimmed) <= 3 && runLength(trimmed, 0, ch) >= n &&
			strings.TrimSpace(trimmed[runLength(trimmed, 0, ch):]) == "" {
			if next < 0 {
				return len(s), true
			}
			return pos + next + 1, true
		}
		if next < 0 {
			break
		}
		pos += next + 1
	}
	return len(s), true
}

func closingDisplay(s string, from int) int {
	for j := from; j+1 < len(s); j++ {
		switch {
		case s[j] == '\\':
			j++
		case s[j] == '$' && s[j+1] == '$':
			if strings.TrimSpace(s[from:j]) == "" {
				return -1
			}
			return j + 2
		}
	}
	return -1
}

// closingInline returns the offset past the $ closing the one at i, or -1.
// Inline math does not cross a blank line.
func closingInline(s string, i int) int {
	if i+1 >= len(s) || isSpace(s[i+1]) {
		return -1
	}
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '\n':
			if j+1 < len(s) && s[j+1] == '\n' {
				return -1
			}
		case '$':
			if isSpace(s[j-1]) {
				continue
			}
			if j+1 < len(s) && s[j+1] >= '0' && s[j+1] <= '9' {
				continue
			}
			return j + 1
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
