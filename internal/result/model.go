// Package result holds the typed outcome of one recognition submission and the
// parser that builds it from the service's XML payload.
package result

// Timestamp is the capture time reported by the recognition service. All three
// parts are present or the timestamp is absent.
type Timestamp struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	Millisecond string `json:"ms"`
}

// PlateDetection is one plate variant read from a detection group.
type PlateDetection struct {
	Symbol     string  `json:"symbol"`
	Country    string  `json:"country"`
	Level      float64 `json:"level"`
	Confidence float64 `json:"confidence"`
	Position   string  `json:"position,omitempty"`
	Prefix     string  `json:"prefix,omitempty"`
	Type       string  `json:"type,omitempty"`
	DoubleLine bool    `json:"double_line"`
	SourceTag  string  `json:"source,omitempty"`
	GroupIndex int     `json:"group_index"`
}

// VehicleDetection is one retained detection group. It owns its plates.
type VehicleDetection struct {
	GroupIndex           int               `json:"group_index"`
	Plates               []PlateDetection  `json:"plates"`
	HasAttributes        bool              `json:"has_attributes"`
	Manufacturer         string            `json:"manufacturer,omitempty"`
	Model                string            `json:"model,omitempty"`
	Color                string            `json:"color,omitempty"`
	Type                 string            `json:"type,omitempty"`
	Direction            int               `json:"direction"`
	Speed                string            `json:"speed,omitempty"`
	EstimatedSpeed       float64           `json:"estimated_speed"`
	MMRPatternIndex      int               `json:"mmr_pattern_index"`
	MMRPatternDivergence float64           `json:"mmr_pattern_divergence"`
	Confidence           float64           `json:"confidence"`
	Signature            string            `json:"signature,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
}

// Summary aggregates counts over a parsed payload.
type Summary struct {
	PlateCount          int     `json:"plates_detected"`
	VehicleCount        int     `json:"vehicles_detected"`
	BestPlateConfidence float64 `json:"best_plate_confidence"`
	PlateVariantCount   int     `json:"plate_variants"`
	HasSignature        bool    `json:"has_signature"`
	HasTimestamp        bool    `json:"has_timestamp"`
	HasRadarData        bool    `json:"has_radar_data"`
}

// FailureKind classifies why an image or batch did not produce a result.
type FailureKind string

const (
	FailureParse        FailureKind = "parse_error"
	FailureSubmission   FailureKind = "submission_failed"
	FailureSystemic     FailureKind = "systemic_failure"
	FailureConfig       FailureKind = "config_rejected"
	FailureBatchLimit   FailureKind = "batch_too_large"
	FailureHostBusy     FailureKind = "host_busy"
	FailureCancelled    FailureKind = "cancelled"
	FailureNotAttempted FailureKind = "not_attempted"
)

// Failure is a structured failure reason. Snippet carries a bounded prefix of
// the offending payload, never the whole body.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Snippet string      `json:"snippet,omitempty"`
}

// AnalysisResult is the outcome of one submitted image.
//
// Plates is a flattened copy of every vehicle's plates in group order; the
// vehicles remain the owners.
type AnalysisResult struct {
	Timestamp            *Timestamp         `json:"timestamp,omitempty"`
	Plates               []PlateDetection   `json:"plates"`
	Vehicles             []VehicleDetection `json:"vehicles"`
	Signature            string             `json:"signature,omitempty"`
	RadarData            map[string]string  `json:"radar_data"`
	ProcessingParameters map[string]string  `json:"processing_parameters"`
	Summary              Summary            `json:"summary"`
	Success              bool               `json:"success"`
	Error                *Failure           `json:"error,omitempty"`
}

func newAnalysisResult() *AnalysisResult {
	return &AnalysisResult{
		Plates:               []PlateDetection{},
		Vehicles:             []VehicleDetection{},
		RadarData:            map[string]string{},
		ProcessingParameters: map[string]string{},
	}
}
