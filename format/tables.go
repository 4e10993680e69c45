package format

import (
	"regexp"
	"strings"
)

type align int

const (
	alignNone align = iota
	alignLeft
	alignCenter
	alignRight
)

var (
	separatorCellRe = regexp.MustCompile(`^:?-+:?$`)
	columnGapRe     = regexp.MustCompile(`\t+|\s{2,}`)
	listMarkerRe    = regexp.MustCompile(`^(?:[-*+]\s|\d+[.)]\s|#|>)`)
)

// normalizeTables rewrites pipe-delimited blocks and whitespace-aligned
// columnar paragraphs into one canonical GFM pipe table form. Lines inside
// fenced code or display math are left alone.
func normalizeTables(md string) (string, int) {
	lines := strings.Split(md, "\n")
	prot := protectedLines(md, len(lines))
	blank := func(i int) bool { return strings.TrimSpace(lines[i]) == "" }

	var out []string
	count := 0
	emitTable := func(tbl []string, next int) {
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, tbl...)
		if next < len(lines) && !blank(next) {
			out = append(out, "")
		}
		count++
	}

	for i := 0; i < len(lines); {
		if prot[i] || blank(i) {
			out = append(out, lines[i])
			i++
			continue
		}

		j := i
		for j < len(lines) && !prot[j] && isPipeRow(lines[j]) {
			j++
		}
		if j > i {
			if j-i >= 2 {
				if tbl, ok := pipeTable(lines[i:j]); ok {
					emitTable(tbl, j)
					i = j
					continue
				}
			}
			out = append(out, lines[i:j]...)
			i = j
			continue
		}

		for j < len(lines) && !prot[j] && !blank(j) && !isPipeRow(lines[j]) {
			j++
		}
		if tbl, ok := columnarTable(lines[i:j]); ok {
			emitTable(tbl, j)
		} else {
			out = append(out, lines[i:j]...)
		}
		i = j
	}
	return strings.Join(out, "\n"), count
}

// protectedLines marks lines touched by fenced code, display math or any
// protected span that crosses a line break.
func protectedLines(md string, n int) []bool {
	prot := make([]bool, n)
	line := 0
	for _, seg := range split(md) {
		nl := strings.Count(seg.s, "\n")
		if seg.protected() && (seg.kind == segFence || seg.kind == segDisplayMath || nl > 0) {
			last := line + nl
			if strings.HasSuffix(seg.s, "\n") {
				last--
			}
			for k := line; k <= last && k < n; k++ {
				prot[k] = true
			}
		}
		line += nl
	}
	return prot
}

// isPipeRow accepts a line that opens with a pipe or splits into at least
// two cells. List items, headings and quotes only count when they open
// with a pipe.
func isPipeRow(line string) bool {
	if !strings.Contains(line, "|") {
		return false
	}
	s := strings.TrimSpace(line)
	if strings.HasPrefix(s, "|") {
		return true
	}
	if listMarkerRe.MatchString(s) {
		return false
	}
	return len(pipeCells(line)) >= 2
}

// pipeCells splits a row on pipes outside math and code spans. Escaped
// pipes stay in the cell.
func pipeCells(line string) []string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "|")
	if strings.HasSuffix(s, "|") && !strings.HasSuffix(s, `\|`) {
		s = s[:len(s)-1]
	}
	var cells []string
	var cur strings.Builder
	for _, seg := range split(s) {
		if seg.protected() {
			cur.WriteString(seg.s)
			continue
		}
		t := seg.s
		for i := 0; i < len(t); i++ {
			switch {
			case t[i] == '\\' && i+1 < len(t) && t[i+1] == '|':
				cur.WriteString(`\|`)
				i++
			case t[i] == '|':
				cells = append(cells, strings.TrimSpace(cur.String()))
				cur.Reset()
			default:
				cur.WriteByte(t[i])
			}
		}
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	return cells
}

func separatorAligns(cells []string) ([]align, bool) {
	aligns := make([]align, len(cells))
	for i, c := range cells {
		if !separatorCellRe.MatchString(c) {
			return nil, false
		}
		left, right := strings.HasPrefix(c, ":"), strings.HasSuffix(c, ":")
		switch {
		case left && right:
			aligns[i] = alignCenter
		case right:
			aligns[i] = alignRight
		case left:
			aligns[i] = alignLeft
		}
	}
	return aligns, true
}

func pipeTable(lines []string) ([]string, bool) {
	var rows [][]string
	var aligns []align
	for i, l := range lines {
		cells := pipeCells(l)
		if i == 1 {
			if a, ok := separatorAligns(cells); ok {
				aligns = a
				continue
			}
		}
		rows = append(rows, cells)
	}
	return renderTable(rows, aligns), true
}

func columnarTable(lines []string) ([]string, bool) {
	if len(lines) < 3 {
		return nil, false
	}
	var rows [][]string
	width := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "\t") || strings.HasPrefix(l, "    ") {
			return nil, false
		}
		s := strings.TrimSpace(l)
		if listMarkerRe.MatchString(s) {
			return nil, false
		}
		cells := columnGapRe.Split(s, -1)
		if len(cells) < 2 || (width != 0 && len(cells) != width) {
			return nil, false
		}
		width = len(cells)
		rows = append(rows, cells)
	}
	var aligns []align
	if a, ok := separatorAligns(rows[1]); ok {
		aligns = a
		rows = append(rows[:1], rows[2:]...)
	}
	return renderTable(rows, aligns), true
}

func renderTable(rows [][]string, aligns []align) []string {
	cols := len(aligns)
	for _, r := range rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	row := func(cells []string) string {
		var sb strings.Builder
		sb.WriteString("|")
		for c := 0; c < cols; c++ {
			v := ""
			if c < len(cells) {
				v = cells[c]
			}
			sb.WriteString(" " + v + " |")
		}
		return sb.String()
	}

	out := []string{row(rows[0])}
	var sep strings.Builder
	sep.WriteString("|")
	for c := 0; c < cols; c++ {
		a := alignNone
		if c < len(aligns) {
			a = aligns[c]
		}
		switch a {
		case alignLeft:
			sep.WriteString(" :--- |")
		case alignCenter:
			sep.WriteString(" :---: |")
		case alignRight:
			sep.WriteString(" ---: |")
		default:
			sep.WriteString(" --- |")
		}
	}
	out = append(out, sep.String())
	for _, r := range rows[1:] {
		out = append(out, row(r))
	}
	return out
}
