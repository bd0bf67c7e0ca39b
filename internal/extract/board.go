package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Placeholder values emitted when the board markup hides the title or body.
// The payload builder drops records carrying the placeholder title.
const (
	placeholderTitle = "제목 없음"
	placeholderBody  = "(본문 영역을 찾을 수 없습니다)"
)

var (
	titleSelectors = []string{".view-title", ".board-view-title", "h2.title", "h2", "h3"}
	dateSelectors  = []string{".view-date", ".date", ".board-view-info .date", ".info .date"}
	bodySelectors  = []string{".view-content", ".board-view-content", ".fr-view", "#board-view", "article"}
)

// BoardOptions configures the generic table-board extractor.
type BoardOptions struct {
	RowSelector  string
	LinkSelector string
	Charset      string
}

// Board scrapes the common university board layout: a list table of rows
// with a sequence-number column and a link, plus a detail page with title,
// date, body, inline images, and an attachment list.
type Board struct {
	fetcher *fetch.Fetcher
	opts    BoardOptions
}

// NewBoard constructs a Board extractor.
func NewBoard(fetcher *fetch.Fetcher, opts BoardOptions) *Board {
	if opts.RowSelector == "" {
		opts.RowSelector = "tbody tr"
	}
	if opts.LinkSelector == "" {
		opts.LinkSelector = "a"
	}
	return &Board{fetcher: fetcher, opts: opts}
}

// List fetches the list page and returns one link per row.
func (b *Board) List(ctx context.Context, listURL string) ([]pipeline.Link, error) {
	html, err := b.fetcher.FetchText(ctx, listURL, b.opts.Charset)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse list page: %w", err)
	}
	base, err := url.Parse(listURL)
	if err != nil {
		return nil, fmt.Errorf("parse list url: %w", err)
	}

	var links []pipeline.Link
	doc.Find(b.opts.RowSelector).Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find(b.opts.LinkSelector).First().Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, parseErr := url.Parse(href)
		if parseErr != nil {
			return
		}
		link := pipeline.Link{URL: base.ResolveReference(ref).String()}
		// Boards of this shape number their posts in the first cell;
		// notice rows carry a pin marker there instead.
		if seq := strings.TrimSpace(row.Find("td").First().Text()); isDigits(seq) {
			link.SeqNo = seq
		}
		links = append(links, link)
	})
	return links, nil
}

// Detail fetches one notice page and extracts the detail tuple.
func (b *Board) Detail(ctx context.Context, pageURL string) (pipeline.Detail, error) {
	html, err := b.fetcher.FetchText(ctx, pageURL, b.opts.Charset)
	if err != nil {
		return pipeline.Detail{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pipeline.Detail{}, fmt.Errorf("parse detail page: %w", err)
	}

	d := pipeline.Detail{
		Title:    firstText(doc.Selection, titleSelectors, placeholderTitle),
		DateText: firstText(doc.Selection, dateSelectors, ""),
	}

	body := firstSelection(doc.Selection, bodySelectors)
	if body == nil {
		d.BodyHTML = placeholderBody
	} else {
		raw, htmlErr := body.Html()
		if htmlErr != nil {
			return pipeline.Detail{}, fmt.Errorf("render body: %w", htmlErr)
		}
		d.BodyHTML = raw
		base, _ := url.Parse(pageURL)
		body.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			src, _ := img.Attr("src")
			if src == "" {
				return
			}
			if ref, parseErr := url.Parse(src); parseErr == nil && base != nil {
				src = base.ResolveReference(ref).String()
			}
			alt, _ := img.Attr("alt")
			d.Media = append(d.Media, pipeline.MediaRef{URL: src, Alt: alt})
		})
	}

	doc.Find(".attach a, .file a, .board-view-file a").Each(func(_ int, a *goquery.Selection) {
		if name := strings.TrimSpace(a.Text()); name != "" {
			d.AttachmentNames = append(d.AttachmentNames, name)
		}
	})
	return d, nil
}

func firstText(root *goquery.Selection, selectors []string, fallback string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(root.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return fallback
}

func firstSelection(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if s := root.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
