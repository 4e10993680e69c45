// Package format turns raw backend output into a render-ready response:
// canonical sources, contiguous citation ids, GFM tables and balanced math.
package format

import (
	"fmt"
	"strings"
)

// Format runs the normalization pipeline. Stage order matters:
//
//  1. sources are shape-checked and deduplicated
//  2. citation markers are renumbered by first appearance
//  3. tables are rewritten to pipe tables
//  4. unpaired math delimiters are escaped
//  5. sources never cited are appended and flagged
//
// The input is not modified. The only error is ErrEmptyBody.
func Format(raw Raw) (Response, error) {
	body := strings.TrimSpace(raw.Text)
	if body == "" {
		return Response{}, ErrEmptyBody
	}

	canon, index, repairs := normalizeSources(raw.Sources)

	segs, order, dropped := renumberCitations(split(body), index)
	if dropped > 0 {
		repairs = append(repairs, fmt.Sprintf("removed %d citation marker(s) with no source", dropped))
	}
	body = join(segs)

	body, _ = normalizeTables(body)

	segs, escaped := escapeDollars(split(body))
	if escaped > 0 {
		repairs = append(repairs, fmt.Sprintf("escaped %d unbalanced math delimiter(s)", escaped))
	}
	body = strings.TrimSpace(join(segs))

	sources := make([]Source, 0, len(canon))
	cited := make(map[int]bool, len(order))
	for _, ci := range order {
		src := canon[ci]
		src.ID = len(sources) + 1
		sources = append(sources, src)
		cited[ci] = true
	}
	for ci, src := range canon {
		if cited[ci] {
			continue
		}
		src.ID = len(sources) + 1
		src.Unreferenced = true
		sources = append(sources, src)
	}

	return Response{
		Body:     body,
		Sources:  sources,
		Model:    raw.Model,
		Degraded: len(repairs) > 0,
		Repairs:  repairs,
	}, nil
}
