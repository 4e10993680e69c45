package format

import "strings"

// escapeDollars turns every $ left in text segments into a literal \$.
// Balanced math already lives in its own segments, so whatever remains is
// an unpaired delimiter. Escaped dollars are skipped, which keeps the pass
// stable when run twice.
func escapeDollars(segs []segment) ([]segment, int) {
	out := make([]segment, len(segs))
	escaped := 0
	for i, seg := range segs {
		out[i] = seg
		if seg.protected() || !strings.Contains(seg.s, "$") {
			continue
		}
		var sb strings.Builder
		s := seg.s
		for j := 0; j < len(s); j++ {
			switch s[j] {
			case '\\':
				sb.WriteByte('\\')
				if j+1 < len(s) {
					j++
					sb.WriteByte(s[j])
				}
			case '$':
				sb.WriteString(`\$`)
				escaped++
			default:
				sb.WriteByte(s[j])
			}
		}
		out[i].s = sb.String()
	}
	return out, escaped
}
