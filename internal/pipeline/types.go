// Package pipeline defines core types shared across subsystems.
package pipeline

import "time"

// Source is one configured external origin. Sources are seeded from
// configuration at startup and immutable afterwards.
type Source struct {
	ID        int64  `json:"id" mapstructure:"id"`
	Code      string `json:"code" mapstructure:"code"`
	Name      string `json:"name" mapstructure:"name"`
	ListURL   string `json:"list_url" mapstructure:"list_url"`
	Extractor string `json:"extractor" mapstructure:"extractor"`
	Encoding  string `json:"encoding,omitempty" mapstructure:"encoding"`
	Archive   bool   `json:"archive,omitempty" mapstructure:"archive"`
}

// Link is one entry on a source's list page. SeqNo carries the board's
// native sequence number when the extractor can see one; it takes priority
// over URL-derived external ids.
type Link struct {
	SeqNo string `json:"seq_no,omitempty"`
	URL   string `json:"url"`
}

// Detail is the raw extraction result for one notice page.
type Detail struct {
	Title           string
	DateText        string
	BodyHTML        string
	Media           []MediaRef
	AttachmentNames []string
}

// MediaRef points at an inline image or video in a notice body.
type MediaRef struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Attachment is the normalized shape stored for a notice attachment.
type Attachment struct {
	Name string `json:"name"`
}

// IngestionRecord is one normalized notice ready for upsert. It lives only
// for the duration of a single crawl pass.
type IngestionRecord struct {
	SourceID           int64
	ExternalID         string
	Title              string
	URL                string
	RawBody            string
	Media              []MediaRef
	Attachments        []Attachment
	ContentFingerprint string
	PublishedAt        *time.Time
}

// RunStatus is the lifecycle state of one crawl run.
type RunStatus string

// Run status values persisted in the crawl run ledger.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// RunSummary is one ledger row joined with its source code, as served by
// the crawl-stats endpoint.
type RunSummary struct {
	SourceCode    string     `json:"source_code"`
	JobID         string     `json:"job_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        RunStatus  `json:"status"`
	UpsertedCount int        `json:"upserted_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// QueueItem is one crawl job ready to run. LockToken proves which dispatcher
// acquired the per-source lock so the worker releases exactly its own lock.
type QueueItem struct {
	JobID      string    `json:"job_id"`
	SourceCode string    `json:"source_code"`
	LockToken  string    `json:"lock_token"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
}

// NoticeDate is one AI-extracted date entry ({"type": "deadline", "date": ...}).
type NoticeDate struct {
	Type string `json:"type"`
	Date string `json:"date"`
}

// Enrichment holds the structured fields produced by the enrichment stage.
type Enrichment struct {
	Dates       []NoticeDate `json:"dates,omitempty"`
	Eligibility []string     `json:"eligibility,omitempty"`
	Hashtags    []string     `json:"hashtags,omitempty"`
	Raw         []byte       `json:"-"`
}

// ClaimedNotice is the slice of a notice handed to the enrichment stage.
type ClaimedNotice struct {
	ID          int64
	SourceID    int64
	ExternalID  string
	Title       string
	URL         string
	RawBody     string
	Attachments []Attachment
}
