// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"time"
)

// Canonical column names of a delivered record.
const (
	FieldCompany  = "기업명"
	FieldCEO      = "대표자명"
	FieldKey      = "고유키"
	FieldSource   = "수집출처"
	FieldHomepage = "홈페이지"
	FieldPhone    = "전화번호"
	FieldFax      = "팩스"
	FieldEmail    = "이메일"
	FieldAddress  = "주소"
)

// Record is a normalized business listing. Well-known columns are typed
// fields; source-specific attributes live in Extra.
type Record struct {
	Group    string
	Key      string
	Company  string
	CEO      string
	Source   string
	Homepage string
	Phone    string
	Fax      string
	Email    string
	Address  string
	Extra    map[string]string
}

// Fields flattens the record into the column map that is fingerprinted and delivered.
func (r Record) Fields() map[string]string {
	out := make(map[string]string, 9+len(r.Extra))
	maps.Copy(out, r.Extra)
	out[FieldCompany] = r.Company
	out[FieldCEO] = r.CEO
	out[FieldKey] = r.Key
	out[FieldSource] = r.Source
	out[FieldHomepage] = r.Homepage
	out[FieldPhone] = r.Phone
	out[FieldFax] = r.Fax
	out[FieldEmail] = r.Email
	out[FieldAddress] = r.Address
	return out
}

// MarshalJSON encodes the record as its flat column map.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// Classification is the outcome of comparing a record against the seen-set.
type Classification string

// Classification values.
const (
	ClassNew       Classification = "new"
	ClassChanged   Classification = "changed"
	ClassUnchanged Classification = "unchanged"
)

// Accepted reports whether the record must be enriched and delivered.
func (c Classification) Accepted() bool {
	return c == ClassNew || c == ClassChanged
}

// SourceKind selects how a source paginates and therefore which cursor it persists.
type SourceKind string

// Source kinds.
const (
	KindPage SourceKind = "page"
	KindSkip SourceKind = "skip"
	KindFile SourceKind = "file"
)

// BrowserAction is one step of a headless script executed before capture.
type BrowserAction struct {
	Type     string        `mapstructure:"type" json:"type"`
	Selector string        `mapstructure:"selector" json:"selector,omitempty"`
	Value    string        `mapstructure:"value" json:"value,omitempty"`
	Wait     time.Duration `mapstructure:"wait" json:"wait,omitempty"`
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	Group       string
	URL         string
	Method      string
	Form        url.Values
	Headers     http.Header
	UseHeadless bool
	Actions     []BrowserAction
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// SendStatus is the discriminator returned by a sink for one batch.
type SendStatus string

// Sink statuses.
const (
	SendSuccess SendStatus = "success"
	SendBusy    SendStatus = "busy"
	SendError   SendStatus = "error"
)

// SendResult is the logical response of a sink.
type SendResult struct {
	Status  SendStatus
	Message string
	Count   int
}

// DeliveryStats is a snapshot of delivery queue counters.
type DeliveryStats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// RunSummary describes one crawl run of a group.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Group     string    `json:"group"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// Pages counts fetched pages, or processed files for file sources.
	Pages     int `json:"pages"`
	Extracted int `json:"extracted"`
	Dropped   int `json:"dropped"`
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Enqueued  int `json:"enqueued"`
	// Completed is true when the source was exhausted and the checkpoint reset.
	Completed bool   `json:"completed"`
	Cursor    Cursor `json:"cursor"`
	Error     string `json:"error,omitempty"`
}
