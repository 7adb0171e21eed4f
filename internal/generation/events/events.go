// Package events defines the Kafka messages of the generation pipeline and
// the components that publish and consume them.
package events

import (
	"time"

	"github.com/cristim67/diploma-generator/internal/generation"
)

// Message types, carried in the kafka.TypeHeader header.
const (
	TypeBatchRequested = "batch.requested"
	TypeBatchCompleted = "batch.completed"
	TypeBatchFailed    = "batch.failed"
	TypeArchiveBuilt   = "archive.built"
)

// BatchRequested asks a worker to run a batch over previously uploaded
// inputs. Template and Data are upload names.
type BatchRequested struct {
	BatchID     generation.BatchID `json:"batch_id"`
	Template    string             `json:"template"`
	Data        string             `json:"data"`
	RequestID   string             `json:"request_id,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
}

type BatchCompleted struct {
	BatchID   generation.BatchID         `json:"batch_id"`
	Status    string                     `json:"status"`
	Attempted int                        `json:"attempted"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Skipped   int                        `json:"skipped"`
	Failures  []generation.RecordFailure `json:"failures"`
	Completed time.Time                  `json:"completed_at"`
}

// BatchFailed reports a batch that never produced a summary.
type BatchFailed struct {
	BatchID generation.BatchID `json:"batch_id"`
	Error   string             `json:"error"`
	Status  int                `json:"status"`
	At      time.Time          `json:"at"`
}

type ArchiveBuilt struct {
	BatchID generation.BatchID `json:"batch_id"`
	Name    string             `json:"name"`
	Size    int64              `json:"size"`
	Files   int                `json:"files"`
	At      time.Time          `json:"at"`
}

func completedFrom(s *generation.BatchSummary) BatchCompleted {
	return BatchCompleted{
		BatchID:   s.BatchID,
		Status:    s.Status(),
		Attempted: s.Attempted,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		Failures:  s.Failures,
		Completed: s.CompletedAt,
	}
}
