// Package extract holds the per-source scraping strategies and the typed
// registry that binds configured sources to them. The set of strategies is
// closed and validated at startup, never looked up dynamically per call.
package extract

import (
	"fmt"

	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Strategy keys accepted in source configuration.
const (
	KindBoard      = "board"
	KindCollyBoard = "collyboard"
)

// Registry maps source codes to their extractor instances and catalogs the
// configured sources.
type Registry struct {
	sources    map[string]pipeline.Source
	extractors map[string]pipeline.Extractor
	order      []string
}

// NewRegistry builds extractors for every configured source and fails fast
// on an unknown strategy key.
func NewRegistry(sources []pipeline.Source, fetcher *fetch.Fetcher) (*Registry, error) {
	r := &Registry{
		sources:    make(map[string]pipeline.Source, len(sources)),
		extractors: make(map[string]pipeline.Extractor, len(sources)),
	}
	for _, src := range sources {
		var ex pipeline.Extractor
		switch src.Extractor {
		case KindBoard:
			ex = NewBoard(fetcher, BoardOptions{Charset: src.Encoding})
		case KindCollyBoard:
			ex = NewCollyBoard(CollyBoardOptions{
				UserAgent: fetcher.UserAgent(),
				MaxBytes:  fetcher.MaxBytes(),
			})
		default:
			return nil, fmt.Errorf("source %s: unknown extractor %q", src.Code, src.Extractor)
		}
		r.sources[src.Code] = src
		r.extractors[src.Code] = ex
		r.order = append(r.order, src.Code)
	}
	return r, nil
}

// Source returns the configured source for code.
func (r *Registry) Source(code string) (pipeline.Source, error) {
	src, ok := r.sources[code]
	if !ok {
		return pipeline.Source{}, fmt.Errorf("%w: %s", pipeline.ErrUnknownSource, code)
	}
	return src, nil
}

// Extractor returns the extractor bound to code.
func (r *Registry) Extractor(code string) (pipeline.Extractor, error) {
	ex, ok := r.extractors[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownSource, code)
	}
	return ex, nil
}

// Sources returns all configured sources in configuration order.
func (r *Registry) Sources() []pipeline.Source {
	out := make([]pipeline.Source, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.sources[code])
	}
	return out
}
