package format

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	urlKeys     = []string{"url", "link", "uri", "href"}
	titleKeys   = []string{"title", "name"}
	snippetKeys = []string{"snippet", "content", "description", "text"}
)

// normalizeSources coerces every raw record into a Source and collapses
// records pointing at the same URL. index[i] is the position in canon of
// raw record i. No record is ever dropped.
func normalizeSources(raw []json.RawMessage) (canon []Source, index []int, notes []string) {
	byURL := map[string]int{}
	index = make([]int, len(raw))
	for i, r := range raw {
		src, note := normalizeSource(r)
		if note != "" {
			notes = append(notes, fmt.Sprintf("source %d: %s", i+1, note))
		}
		if key := urlKey(src.URL); key != "" {
			if at, ok := byURL[key]; ok {
				index[i] = at
				mergeSource(&canon[at], src)
				continue
			}
			byURL[key] = len(canon)
		}
		index[i] = len(canon)
		canon = append(canon, src)
	}
	return canon, index, notes
}

func normalizeSource(raw json.RawMessage) (Source, string) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Source{Title: "Unknown source"}, "empty record"
	}
	if !gjson.Valid(text) {
		return fromString(text), "not valid JSON"
	}

	r := gjson.Parse(text)
	switch {
	case r.IsObject():
		src := Source{
			URL:     strings.TrimSpace(firstString(r, urlKeys)),
			Title:   strings.TrimSpace(firstString(r, titleKeys)),
			Snippet: strings.TrimSpace(firstString(r, snippetKeys)),
		}
		if src.Title == "" {
			src.Title = hostOf(src.URL)
		}
		if src.URL == "" && src.Title == "" {
			src.Title = "Unknown source"
			return src, "record has neither url nor title"
		}
		return src, ""
	case r.Type == gjson.String:
		s := strings.TrimSpace(r.String())
		if s == "" {
			return Source{Title: "Unknown source"}, "empty string"
		}
		return fromString(s), "bare string"
	case r.Type == gjson.Null:
		return Source{Title: "Unknown source"}, "null record"
	default:
		return Source{Title: r.Raw}, "not a record"
	}
}

func fromString(s string) Source {
	if isURL(s) {
		return Source{URL: s, Title: hostOf(s)}
	}
	return Source{Title: s}
}

// firstString returns the first scalar value among keys. Nested objects
// and arrays are not accepted as field values.
func firstString(r gjson.Result, keys []string) string {
	for _, k := range keys {
		v := r.Get(k)
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := v.String(); strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func mergeSource(dst *Source, src Source) {
	if (dst.Title == "" || dst.Title == hostOf(dst.URL)) && src.Title != "" {
		dst.Title = src.Title
	}
	if dst.Snippet == "" {
		dst.Snippet = src.Snippet
	}
}

func isURL(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// urlKey is the dedupe key: scheme and host lower-cased, fragment and
// trailing slash dropped.
func urlKey(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
