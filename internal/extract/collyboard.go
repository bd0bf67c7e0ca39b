package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// CollyBoardOptions configures the colly-backed board extractor.
type CollyBoardOptions struct {
	UserAgent    string
	MaxBytes     int64
	RowSelector  string
	LinkSelector string
	Timeout      time.Duration
}

// CollyBoard is a board extractor built on colly for boards where the
// collector's cookie and redirect handling earns its keep. The body size
// cap is enforced through colly's MaxBodySize. A fresh collector is spawned
// per call, so the extractor is safe for concurrent use.
type CollyBoard struct {
	opts CollyBoardOptions
}

// NewCollyBoard constructs a CollyBoard extractor.
func NewCollyBoard(opts CollyBoardOptions) *CollyBoard {
	if opts.RowSelector == "" {
		opts.RowSelector = "tbody tr"
	}
	if opts.LinkSelector == "" {
		opts.LinkSelector = "a"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 * 1024 * 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &CollyBoard{opts: opts}
}

func (c *CollyBoard) newCollector() *colly.Collector {
	col := colly.NewCollector(
		colly.UserAgent(c.opts.UserAgent),
		colly.MaxBodySize(int(c.opts.MaxBytes)),
	)
	col.SetRequestTimeout(c.opts.Timeout)
	return col
}

// List visits the list page and returns one link per board row.
func (c *CollyBoard) List(ctx context.Context, listURL string) ([]pipeline.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		links    []pipeline.Link
		visitErr error
	)
	col := c.newCollector()
	col.OnHTML(c.opts.RowSelector, func(e *colly.HTMLElement) {
		href := e.ChildAttr(c.opts.LinkSelector, "href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		link := pipeline.Link{URL: e.Request.AbsoluteURL(href)}
		if seq := strings.TrimSpace(e.ChildText("td:first-of-type")); isDigits(seq) {
			link.SeqNo = seq
		}
		links = append(links, link)
	})
	col.OnError(func(resp *colly.Response, err error) {
		visitErr = classifyCollyError(listURL, resp, err)
	})
	if err := col.Visit(listURL); err != nil {
		if visitErr != nil {
			return nil, visitErr
		}
		return nil, fmt.Errorf("visit list %s: %w", listURL, err)
	}
	col.Wait()
	if visitErr != nil {
		return nil, visitErr
	}
	return links, nil
}

// Detail visits one notice page and extracts the detail tuple.
func (c *CollyBoard) Detail(ctx context.Context, pageURL string) (pipeline.Detail, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Detail{}, err
	}
	var (
		d        pipeline.Detail
		visitErr error
	)
	col := c.newCollector()
	col.OnHTML("html", func(e *colly.HTMLElement) {
		root := e.DOM
		d.Title = firstText(root, titleSelectors, placeholderTitle)
		d.DateText = firstText(root, dateSelectors, "")

		body := firstSelection(root, bodySelectors)
		if body == nil {
			d.BodyHTML = placeholderBody
		} else {
			if raw, htmlErr := body.Html(); htmlErr == nil {
				d.BodyHTML = raw
			} else {
				d.BodyHTML = placeholderBody
			}
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

		root.Find(".attach a, .file a, .board-view-file a").Each(func(_ int, a *goquery.Selection) {
			if name := strings.TrimSpace(a.Text()); name != "" {
				d.AttachmentNames = append(d.AttachmentNames, name)
			}
		})
	})
	col.OnError(func(resp *colly.Response, err error) {
		visitErr = classifyCollyError(pageURL, resp, err)
	})
	if err := col.Visit(pageURL); err != nil {
		if visitErr != nil {
			return pipeline.Detail{}, visitErr
		}
		return pipeline.Detail{}, fmt.Errorf("visit detail %s: %w", pageURL, err)
	}
	col.Wait()
	if visitErr != nil {
		return pipeline.Detail{}, visitErr
	}
	return d, nil
}

// classifyCollyError maps a colly transport failure onto the fetch error
// taxonomy: an HTTP status means the origin answered (protocol), anything
// else is a network failure.
func classifyCollyError(url string, resp *colly.Response, err error) error {
	kind := fetch.KindNetwork
	if resp != nil && resp.StatusCode != 0 {
		kind = fetch.KindProtocol
	}
	return &fetch.Error{Kind: kind, URL: url, Err: err}
}
