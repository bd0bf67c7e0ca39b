package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

var bodyDateRe = regexp.MustCompile(`(\d{4})[.-](\d{1,2})[.-](\d{1,2})`)

// keywordTags maps notice vocabulary to hashtags. Keys are matched against
// the title case-insensitively, in order, so output is deterministic.
var keywordTags = []struct {
	keyword string
	tag     string
}{
	{"장학", "장학금"},
	{"scholarship", "장학금"},
	{"모집", "모집"},
	{"채용", "채용"},
	{"인턴", "인턴십"},
	{"internship", "인턴십"},
	{"수강", "수강신청"},
	{"등록금", "등록금"},
	{"졸업", "졸업"},
	{"공모전", "공모전"},
}

// Heuristic is a rule-based enricher: it pulls date strings out of the body
// and derives hashtags from title keywords. It stands in wherever a model
// backed enricher is not configured and gives the claim pipeline real
// output to store.
type Heuristic struct{}

// NewHeuristic creates a rule-based enricher.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Enrich derives dates and hashtags from the notice text.
func (h *Heuristic) Enrich(_ context.Context, notice pipeline.ClaimedNotice) (pipeline.Enrichment, error) {
	var enr pipeline.Enrichment

	seen := make(map[string]struct{})
	for _, m := range bodyDateRe.FindAllStringSubmatch(notice.RawBody, -1) {
		date := fmt.Sprintf("%s-%s-%s", m[1], pad2(m[2]), pad2(m[3]))
		if _, dup := seen[date]; dup {
			continue
		}
		seen[date] = struct{}{}
		enr.Dates = append(enr.Dates, pipeline.NoticeDate{Type: "mentioned", Date: date})
	}

	title := strings.ToLower(notice.Title)
	tagSeen := make(map[string]struct{})
	for _, kt := range keywordTags {
		if !strings.Contains(title, kt.keyword) {
			continue
		}
		if _, dup := tagSeen[kt.tag]; dup {
			continue
		}
		tagSeen[kt.tag] = struct{}{}
		enr.Hashtags = append(enr.Hashtags, kt.tag)
	}

	raw, err := json.Marshal(map[string]any{
		"dates":    enr.Dates,
		"hashtags": enr.Hashtags,
	})
	if err != nil {
		return pipeline.Enrichment{}, fmt.Errorf("marshal enrichment: %w", err)
	}
	enr.Raw = raw
	return enr, nil
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
