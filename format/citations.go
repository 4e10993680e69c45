package format

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// citationRe matches [1], [^1], [1, 2], [1-3] and mixes of these. Numbers
// longer than three digits are years or similar, not citations.
var citationRe = regexp.MustCompile(`\[\^?(\d{1,3}(?:\s*[,\-–]\s*\^?\d{1,3})*)\]`)

var citationPartRe = regexp.MustCompile(`\d{1,3}|[\-–]`)

const maxRangeSpan = 50

// renumberCitations rewrites markers in text segments so that ids follow
// first appearance. index maps a raw 1-based marker number (minus one) to a
// canonical source. order lists canonical sources in new-id order. Markers
// with no source behind them are removed with the spaces before them. A
// reference definition line ("[n]: ...") is renumbered the same way, or
// removed as a whole line when its source is missing.
func renumberCitations(segs []segment, index []int) (out []segment, order []int, dropped int) {
	newID := map[int]int{}
	assign := func(canon int) int {
		if id, ok := newID[canon]; ok {
			return id
		}
		order = append(order, canon)
		newID[canon] = len(order)
		return len(order)
	}

	out = make([]segment, len(segs))
	lineStart := true
	dropLine := false
	for si, seg := range segs {
		if dropLine {
			nl := strings.IndexByte(seg.s, '\n')
			if nl < 0 {
				out[si] = segment{kind: seg.kind}
				continue
			}
			seg.s = seg.s[nl+1:]
			dropLine, lineStart = false, true
		}
		out[si] = seg
		if seg.protected() {
			if seg.s != "" {
				lineStart = strings.HasSuffix(seg.s, "\n")
			}
			continue
		}
		s := seg.s
		var buf []byte
		last, changed := 0, false
		for _, m := range citationRe.FindAllStringSubmatchIndex(s, -1) {
			start, end := m[0], m[1]
			if start < last {
				continue
			}
			if end < len(s) && s[end] == '(' {
				continue
			}
			def := end < len(s) && s[end] == ':' && onlySpaceBefore(s, start, lineStart)
			buf = append(buf, s[last:start]...)
			last, changed = end, true

			var ids []int
			seen := map[int]bool{}
			for _, n := range expandCitation(s[m[2]:m[3]]) {
				if n < 1 || n > len(index) {
					continue
				}
				id := assign(index[n-1])
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				dropped++
				buf = trimTrailingBlanks(buf)
				if def {
					last = len(s)
					if nl := strings.IndexByte(s[end:], '\n'); nl >= 0 {
						last = end + nl + 1
						if bytes.HasSuffix(buf, []byte("\n\n")) && strings.HasPrefix(s[last:], "\n") {
							last++
						}
					} else {
						dropLine = true
					}
				}
				continue
			}
			for _, id := range ids {
				buf = append(buf, fmt.Sprintf("[%d]", id)...)
			}
		}
		if changed {
			buf = append(buf, s[last:]...)
			out[si].s = string(buf)
		}
		if len(s) > 0 {
			lineStart = strings.HasSuffix(s, "\n")
		}
	}
	return out, order, dropped
}

// expandCitation turns "1, 3-5" into 1 3 4 5. Reversed or very wide ranges
// keep only their endpoints.
func expandCitation(body string) []int {
	parts := citationPartRe.FindAllString(body, -1)
	var out []int
	for i := 0; i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		if i+2 < len(parts) && (parts[i+1] == "-" || parts[i+1] == "–") {
			hi, err := strconv.Atoi(parts[i+2])
			if err == nil {
				if hi >= n && hi-n <= maxRangeSpan {
					for k := n; k <= hi; k++ {
						out = append(out, k)
					}
				} else {
					out = append(out, n, hi)
				}
				i += 2
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

func onlySpaceBefore(s string, pos int, segAtLineStart bool) bool {
	for j := pos - 1; j >= 0; j-- {
		switch s[j] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return segAtLineStart
}

func trimTrailingBlanks(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}
