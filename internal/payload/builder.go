// Package payload turns raw extraction results into normalized ingestion
// records. No I/O happens here; the builder only derives identity, detects
// malformed results, and computes the change-detection fingerprint.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Board engines emit these when a post has no real title or the body
// selector missed; such rows carry no content worth storing.
var placeholderTitles = map[string]struct{}{
	"제목 없음":                {},
	"(본문 영역을 찾을 수 없습니다)": {},
}

// Query parameters that carry a board's native post number, in priority order.
var idParams = []string{"articleNo", "article_no", "no", "id", "idx"}

var dateRe = regexp.MustCompile(`(\d{4})[.-](\d{1,2})[.-](\d{1,2})`)

// Builder constructs IngestionRecords from raw extraction tuples.
type Builder struct {
	maxBodyBytes int64
	logger       *zap.Logger
}

// New creates a Builder. maxBodyBytes is a defense-in-depth cap beyond the
// fetch-time limit, since a body may be assembled from multiple fetches.
func New(maxBodyBytes int64, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{maxBodyBytes: maxBodyBytes, logger: logger}
}

// Build converts one raw extraction into an ingestion record. ok=false
// means the item is skipped (logged, never fatal): empty or placeholder
// title, or an oversized body.
func (b *Builder) Build(sourceID int64, link pipeline.Link, detailURL string, d pipeline.Detail) (pipeline.IngestionRecord, bool) {
	title := strings.TrimSpace(d.Title)
	if _, placeholder := placeholderTitles[title]; title == "" || placeholder {
		b.logger.Warn("payload skipped: placeholder title",
			zap.String("url", truncate(detailURL, 200)),
			zap.String("title", truncate(d.Title, 80)),
		)
		return pipeline.IngestionRecord{}, false
	}
	if int64(len(d.BodyHTML)) > b.maxBodyBytes {
		b.logger.Warn("payload skipped: body too large",
			zap.String("url", truncate(detailURL, 200)),
			zap.Int("size", len(d.BodyHTML)),
			zap.Int64("max", b.maxBodyBytes),
		)
		return pipeline.IngestionRecord{}, false
	}

	publishedAt, matched := ParsePublishedAt(d.DateText)
	if !matched && strings.TrimSpace(d.DateText) != "" {
		// A format change on the source side; the record is still stored.
		b.logger.Warn("published date did not parse",
			zap.String("url", truncate(detailURL, 200)),
			zap.String("date_text", truncate(d.DateText, 100)),
		)
	}

	return pipeline.IngestionRecord{
		SourceID:           sourceID,
		ExternalID:         ExternalID(link.SeqNo, detailURL),
		Title:              d.Title,
		URL:                detailURL,
		RawBody:            d.BodyHTML,
		Media:              d.Media,
		Attachments:        normalizeAttachments(d.AttachmentNames),
		ContentFingerprint: Fingerprint(d.Title, d.BodyHTML),
		PublishedAt:        publishedAt,
	}, true
}

// ExternalID derives a stable, source-scoped identifier for one item. In
// priority order: the board's native sequence number, a known query-string
// id parameter, a plain alphanumeric trailing path segment, and finally a
// hash of the URL with query decoration stripped. The fallback hash keeps
// the id deterministic when the source adds tracking or session parameters.
func ExternalID(seqNo, rawURL string) string {
	if seqNo != "" {
		return seqNo
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return hashPathOnly(rawURL)
	}
	q := u.Query()
	for _, param := range idParams {
		if v := q.Get(param); v != "" {
			return v
		}
	}
	path := strings.TrimRight(u.Path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[idx+1:]
	}
	if path != "" && isAlnum(path) {
		return path
	}
	return hashPathOnly(rawURL)
}

// Fingerprint hashes title plus the plain text of the body. Markup noise
// (attribute order, tag whitespace) does not reach the hash; only textual
// content changes do.
func Fingerprint(title, bodyHTML string) string {
	raw := title + "\n" + PlainText(bodyHTML)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PlainText extracts whitespace-normalized text from an HTML fragment.
func PlainText(htmlStr string) string {
	if htmlStr == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return strings.Join(strings.Fields(htmlStr), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// ParsePublishedAt parses a free-text date like "2026.03.01" or
// "2026-3-1" into a UTC timestamp. matched=false when no date pattern is
// present; callers store a null timestamp rather than failing the record.
func ParsePublishedAt(dateText string) (*time.Time, bool) {
	m := dateRe.FindStringSubmatch(dateText)
	if m == nil {
		return nil, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t, true
}

func normalizeAttachments(names []string) []pipeline.Attachment {
	if len(names) == 0 {
		return nil
	}
	out := make([]pipeline.Attachment, 0, len(names))
	for _, n := range names {
		out = append(out, pipeline.Attachment{Name: n})
	}
	return out
}

func hashPathOnly(rawURL string) string {
	stripped := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		stripped = u.String()
	}
	sum := sha256.Sum256([]byte(stripped))
	return hex.EncodeToString(sum[:])[:32]
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
