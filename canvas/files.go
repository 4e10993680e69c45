package canvas

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"canvas_study_assistant/prompt"
)

// FileLoader turns course file references into prompt excerpts.
type FileLoader struct {
	client          *Client
	maxFileBytes    int64
	maxExcerptChars int
	maxContextChars int
	concurrency     int
}

type LoaderOption func(*FileLoader)

// WithLimits bounds the bytes read per file, characters kept per excerpt
// and characters kept across all excerpts. Zero keeps the default.
func WithLimits(fileBytes int64, excerptChars, contextChars int) LoaderOption {
	return func(l *FileLoader) {
		if fileBytes > 0 {
			l.maxFileBytes = fileBytes
		}
		if excerptChars > 0 {
			l.maxExcerptChars = excerptChars
		}
		if contextChars > 0 {
			l.maxContextChars = contextChars
		}
	}
}

func NewFileLoader(c *Client, opts ...LoaderOption) *FileLoader {
	l := &FileLoader{
		client:          c,
		maxFileBytes:    256 << 10,
		maxExcerptChars: 4000,
		maxContextChars: 12000,
		concurrency:     4,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load fetches every referenced file. A file that cannot be read is left
// out and reported in the returned error; the excerpts that did load are
// always returned, in reference order.
func (l *FileLoader) Load(ctx context.Context, courseID string, refs []string) ([]prompt.Excerpt, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	results := make([]*prompt.Excerpt, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, ref := range refs {
		i, ref := i, strings.TrimSpace(ref)
		g.Go(func() error {
			ex, err := l.loadOne(gctx, courseID, ref)
			if err != nil {
				errs[i] = fmt.Errorf("file %s: %w", ref, err)
				return nil
			}
			results[i] = &ex
			return nil
		})
	}
	_ = g.Wait()

	var out []prompt.Excerpt
	budget := l.maxContextChars
	for _, ex := range results {
		if ex == nil {
			continue
		}
		if budget <= 0 {
			ex.Text = ""
		} else {
			ex.Text = truncateChars(ex.Text, budget)
			budget -= utf8.RuneCountInString(ex.Text)
		}
		out = append(out, *ex)
	}
	return out, errors.Join(errs...)
}

func (l *FileLoader) loadOne(ctx context.Context, courseID, ref string) (prompt.Excerpt, error) {
	if ref == "" {
		return prompt.Excerpt{}, errors.New("empty file reference")
	}
	f, err := l.client.FetchFile(ctx, courseID, ref)
	if err != nil {
		return prompt.Excerpt{}, err
	}
	ex := prompt.Excerpt{Name: f.Name()}
	kind := textKind(f.ContentType, f.Name())
	if kind == "" {
		return ex, nil
	}
	data, _, err := l.client.Download(ctx, f, l.maxFileBytes)
	if err != nil {
		return prompt.Excerpt{}, err
	}
	text := strings.ToValidUTF8(string(data), "")
	if kind == "html" {
		text = PlainText(text)
	}
	ex.Text = truncateChars(strings.TrimSpace(text), l.maxExcerptChars)
	return ex, nil
}

// textKind reports "text" or "html" for readable files and "" otherwise.
func textKind(contentType, name string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return "html"
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/x-tex":
		return "text"
	}
	lower := strings.ToLower(name)
	for _, ext := range []string{".txt", ".md", ".csv", ".tex", ".json"} {
		if strings.HasSuffix(lower, ext) {
			return "text"
		}
	}
	if strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
		return "html"
	}
	return ""
}

func truncateChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
