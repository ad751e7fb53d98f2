// Package filter streams one shard through the language, domain and news-section
// predicates and yields the rows that belong to the output dataset.
package filter

import (
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

var (
	// domainCapture extracts the host (and port, if any) of an http(s) URL.
	domainCapture = regexp.MustCompile(`^https?://([^/]+)`)
	// rootQuery matches URLs whose path starts with the literal "/?". It is applied
	// to the URL as read, before the query string is stripped.
	rootQuery = regexp.MustCompile(`^https?://[^/]+/\?`)
	// subpageCapture extracts the first path segment, slashes included ("/news/").
	subpageCapture = regexp.MustCompile(`^https?://[^/]+(/[^/]*/?)`)
)

// newsMarker identifies the publisher's news sub-property inside a host name.
const newsMarker = "news"

// SourceRow is the projection of a crawl shard read by the pipeline. Columns not
// named here are never decoded.
type SourceRow struct {
	URL      string `parquet:"url"`
	Text     string `parquet:"text"`
	Language string `parquet:"language"`
}

// Rules holds the fixed predicate parameters.
type Rules struct {
	TargetLanguage string
	DomainPattern  *regexp.Regexp
	NewsPath       string
}

// NewRules compiles domainPattern and validates the remaining parameters.
func NewRules(targetLanguage, domainPattern, newsPath string) (Rules, error) {
	if strings.TrimSpace(targetLanguage) == "" {
		return Rules{}, fmt.Errorf("target language is required")
	}
	if strings.TrimSpace(domainPattern) == "" {
		return Rules{}, fmt.Errorf("domain pattern is required")
	}
	if !strings.HasPrefix(newsPath, "/") {
		return Rules{}, fmt.Errorf("news path %q must start with /", newsPath)
	}
	re, err := regexp.Compile(domainPattern)
	if err != nil {
		return Rules{}, fmt.Errorf("compile domain pattern: %w", err)
	}
	return Rules{TargetLanguage: targetLanguage, DomainPattern: re, NewsPath: newsPath}, nil
}

// row carries a record through the stages together with its URL as read.
type row struct {
	url      string
	text     string
	language string
	rawURL   string
	domain   string
}

// stage transforms a lazy row sequence into another lazy row sequence.
type stage func(iter.Seq2[row, error]) iter.Seq2[row, error]

// Apply composes the predicate chain over src. Nothing is evaluated until the
// returned sequence is ranged over.
func (r Rules) Apply(src iter.Seq2[SourceRow, error]) iter.Seq2[extract.Record, error] {
	rows := project(src)
	for _, st := range r.stages() {
		rows = st(rows)
	}
	return toRecords(rows)
}

func (r Rules) stages() []stage {
	return []stage{
		where(func(rw row) bool { return rw.language == r.TargetLanguage }),
		transform(func(rw row) row {
			rw.language = ""
			return rw
		}),
		transform(func(rw row) row {
			if i := strings.IndexByte(rw.url, '?'); i >= 0 {
				rw.url = rw.url[:i]
			}
			return rw
		}),
		transform(func(rw row) row {
			if m := domainCapture.FindStringSubmatch(rw.url); m != nil {
				rw.domain = m[1]
			}
			return rw
		}),
		where(func(rw row) bool { return rw.domain != "" && r.DomainPattern.MatchString(rw.domain) }),
		where(func(rw row) bool { return !rootQuery.MatchString(rw.rawURL) }),
		where(func(rw row) bool {
			if strings.Contains(rw.domain, newsMarker) {
				return true
			}
			m := subpageCapture.FindStringSubmatch(rw.url)
			return m != nil && m[1] == r.NewsPath
		}),
	}
}

func project(src iter.Seq2[SourceRow, error]) iter.Seq2[row, error] {
	return func(yield func(row, error) bool) {
		for s, err := range src {
			if err != nil {
				yield(row{}, err)
				return
			}
			if !yield(row{url: s.URL, text: s.Text, language: s.Language, rawURL: s.URL}, nil) {
				return
			}
		}
	}
}

func where(keep func(row) bool) stage {
	return func(src iter.Seq2[row, error]) iter.Seq2[row, error] {
		return func(yield func(row, error) bool) {
			for rw, err := range src {
				if err != nil {
					yield(row{}, err)
					return
				}
				if keep(rw) && !yield(rw, nil) {
					return
				}
			}
		}
	}
}

func transform(fn func(row) row) stage {
	return func(src iter.Seq2[row, error]) iter.Seq2[row, error] {
		return func(yield func(row, error) bool) {
			for rw, err := range src {
				if err != nil {
					yield(row{}, err)
					return
				}
				if !yield(fn(rw), nil) {
					return
				}
			}
		}
	}
}

func toRecords(src iter.Seq2[row, error]) iter.Seq2[extract.Record, error] {
	return func(yield func(extract.Record, error) bool) {
		for rw, err := range src {
			if err != nil {
				yield(extract.Record{}, err)
				return
			}
			if !yield(extract.Record{URL: rw.url, Text: rw.text}, nil) {
				return
			}
		}
	}
}
