package usecase

import (
	"time"

	"github.com/example/ncshot-verify/internal/result"
)

// ImageStatus is the final state of one image slot in a batch.
type ImageStatus string

const (
	StatusCompleted        ImageStatus = "completed"
	StatusParseFailed      ImageStatus = "parse_failed"
	StatusSubmissionFailed ImageStatus = "submission_failed"
	StatusSystemicFailure  ImageStatus = "systemic_failure"
	StatusNotAttempted     ImageStatus = "not_attempted"
)

// ImageOutcome is the result slot for the image at Index in the input list.
// PlateImages has one entry per plate in Result; nil entries could not be fetched.
type ImageOutcome struct {
	Index         int                    `json:"index"`
	Status        ImageStatus            `json:"status"`
	Result        *result.AnalysisResult `json:"result,omitempty"`
	Failure       *result.Failure        `json:"failure,omitempty"`
	Token         string                 `json:"token,omitempty"`
	PlateImages   [][]byte               `json:"plate_images,omitempty"`
	ReleaseFailed bool                   `json:"release_failed,omitempty"`
}

// BatchResult describes a whole batch run. Items is index-aligned with the
// input images regardless of individual failures.
//
// Processed counts completed images, Failed counts parse, submission and
// systemic failures, and NotAttempted counts slots never sent to the service.
type BatchResult struct {
	BatchID         string          `json:"batch_id"`
	Items           []ImageOutcome  `json:"items"`
	Processed       int             `json:"processed"`
	Failed          int             `json:"failed"`
	NotAttempted    int             `json:"not_attempted"`
	TotalPlates     int             `json:"total_plates"`
	TotalVehicles   int             `json:"total_vehicles"`
	ReleaseFailures int             `json:"release_failures"`
	Aborted         bool            `json:"aborted"`
	Cancelled       bool            `json:"cancelled"`
	LeakSuspected   bool            `json:"leak_suspected"`
	Failure         *result.Failure `json:"failure,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration_ns"`
}

func newBatchResult(batchID string, size int, startedAt time.Time) *BatchResult {
	items := make([]ImageOutcome, size)
	for i := range items {
		items[i] = ImageOutcome{Index: i, Status: StatusNotAttempted}
	}
	return &BatchResult{BatchID: batchID, Items: items, StartedAt: startedAt}
}

// tally recomputes the counters from Items.
func (b *BatchResult) tally(leakThreshold int) {
	b.Processed, b.Failed, b.NotAttempted = 0, 0, 0
	b.TotalPlates, b.TotalVehicles, b.ReleaseFailures = 0, 0, 0
	for _, item := range b.Items {
		switch item.Status {
		case StatusCompleted:
			b.Processed++
		case StatusNotAttempted:
			b.NotAttempted++
		default:
			b.Failed++
		}
		if item.Result != nil {
			b.TotalPlates += len(item.Result.Plates)
			b.TotalVehicles += len(item.Result.Vehicles)
		}
		if item.ReleaseFailed {
			b.ReleaseFailures++
		}
	}
	b.LeakSuspected = leakThreshold > 0 && b.ReleaseFailures >= leakThreshold
}

// state is the label recorded for the batch metric.
func (b *BatchResult) state() string {
	switch {
	case b.Aborted:
		return "aborted"
	case b.Cancelled:
		return "cancelled"
	case b.Failure != nil:
		return string(b.Failure.Kind)
	default:
		return "completed"
	}
}
