// Package generation holds the domain types shared by the document
// generation pipeline: the handles it consumes, the records it renders and
// the summaries and archives it produces.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

// Handle is an opaque, read-only reference to an uploaded artifact.
type Handle struct {
	Name string
	Data []byte
}

// FieldRecord is one dataset row: placeholder names in header order and
// their textual values. A key absent from Values is an empty cell.
type FieldRecord struct {
	Row    int
	Keys   []string
	Values map[string]string
}

// Get returns the value for name and whether the record carries it.
func (r FieldRecord) Get(name string) (string, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Identity is the pair used to name a record's output document.
type Identity struct {
	RecordID string
	Subject  string
}

// Schema names the mandatory fields of a dataset.
type Schema struct {
	IDField      string
	SubjectField string
	Required     []string
}

// DefaultSchema matches the columns the diploma datasets have always used.
func DefaultSchema() Schema {
	return Schema{IDField: "id", SubjectField: "studentName"}
}

// Mandatory lists the ID field, the subject field and any extra required
// fields, without duplicates.
func (s Schema) Mandatory() []string {
	seen := make(map[string]struct{}, 2+len(s.Required))
	out := make([]string, 0, 2+len(s.Required))
	for _, f := range append([]string{s.IDField, s.SubjectField}, s.Required...) {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// IdentityOf extracts the naming identity of r.
func (s Schema) IdentityOf(r FieldRecord) Identity {
	id, _ := r.Get(s.IDField)
	subject, _ := r.Get(s.SubjectField)
	return Identity{RecordID: strings.TrimSpace(id), Subject: strings.TrimSpace(subject)}
}

// BatchID identifies one submission and its output namespace.
type BatchID string

func NewBatchID() BatchID {
	return BatchID(uuid.NewString())
}

// ParseBatchID validates an id that arrived from outside the process.
func ParseBatchID(s string) (BatchID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, 0, "batch id %q is not a valid uuid", s)
	}
	return BatchID(u.String()), nil
}

func (id BatchID) String() string { return string(id) }

// ErrorKind classifies a per-record failure.
type ErrorKind string

const (
	KindMissingField    ErrorKind = "missing_field"
	KindInvalidRecord   ErrorKind = "invalid_record"
	KindTemplateCorrupt ErrorKind = "template_corrupt"
	KindStoreWrite      ErrorKind = "store_write"
	KindCancelled       ErrorKind = "cancelled"
	KindUnknown         ErrorKind = "unknown"
)

// KindOf maps an error onto the ErrorKind reported in summaries.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrMissingField):
		return KindMissingField
	case errors.Is(err, apperrors.ErrInvalidRecord):
		return KindInvalidRecord
	case errors.Is(err, apperrors.ErrTemplateCorrupt):
		return KindTemplateCorrupt
	case errors.Is(err, apperrors.ErrStoreWrite):
		return KindStoreWrite
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// RecordFailure describes why one record produced no document.
type RecordFailure struct {
	Row      int       `json:"row"`
	RecordID string    `json:"record_id"`
	Subject  string    `json:"subject"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// BatchSummary is the outcome of one batch. Attempted counts records that
// reached validation; Skipped counts rows dropped at extraction for lacking
// an ID or subject. Documents holds the stored names in input order.
type BatchSummary struct {
	BatchID     BatchID         `json:"batch_id"`
	Attempted   int             `json:"attempted"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Failures    []RecordFailure `json:"failures"`
	Documents   []string        `json:"documents"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Status condenses the counts into the label used by metrics and events.
func (s *BatchSummary) Status() string {
	switch {
	case s.Attempted == 0:
		return "empty"
	case s.Failed == 0:
		return "completed"
	case s.Succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

func (s *BatchSummary) String() string {
	return fmt.Sprintf("batch %s: attempted=%d succeeded=%d failed=%d skipped=%d",
		s.BatchID, s.Attempted, s.Succeeded, s.Failed, s.Skipped)
}

// ArchiveHandle describes a built archive.
type ArchiveHandle struct {
	BatchID   BatchID   `json:"batch_id"`
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	Size      int64     `json:"size"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier publishes pipeline events. Implementations must not block the
// caller for long; failures are logged by the caller and never fail a batch.
type Notifier interface {
	BatchCompleted(ctx context.Context, summary *BatchSummary) error
	ArchiveBuilt(ctx context.Context, archive *ArchiveHandle) error
}
