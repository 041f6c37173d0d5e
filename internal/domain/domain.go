// Package domain holds the shared data model for the EMG/C3D analysis
// pipeline: therapy sessions, their child records, and the scoring
// configuration hierarchy. Types here carry both json and db struct tags
// since they are read and written through sqlx as well as returned over
// HTTP.
package domain

import "time"

// SessionStatus is the lifecycle state of a TherapySession.
type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"
	StatusProcessing   SessionStatus = "processing"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusReprocessing SessionStatus = "reprocessing"
)

// CanTransition reports whether moving from s to next is allowed by the
// state machine: pending -> processing -> (completed|failed), completed
// -> reprocessing -> (completed|failed).
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusReprocessing
	case StatusReprocessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return false
	default:
		return false
	}
}

// TherapySession is the process-wide unit of work for one uploaded recording.
type TherapySession struct {
	ID                     string        `db:"id" json:"id"`
	SessionCode            string        `db:"session_code" json:"session_code"`
	Fingerprint            string        `db:"fingerprint" json:"fingerprint"`
	Bucket                 string        `db:"bucket" json:"bucket"`
	ObjectPath             string        `db:"object_path" json:"object_path"`
	PatientID              *string       `db:"patient_id" json:"patient_id,omitempty"`
	TherapistID            *string       `db:"therapist_id" json:"therapist_id,omitempty"`
	Status                 SessionStatus `db:"status" json:"status"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
	ProcessedAt            *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	ProcessingTimeMs       *int64        `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	AnalyticsCache         []byte        `db:"analytics_cache" json:"-"`
	CacheHits              int64         `db:"cache_hits" json:"cache_hits"`
	LastAccessedAt         *time.Time    `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
	ProcessingErrorMessage *string       `db:"processing_error_message" json:"processing_error_message,omitempty"`
}

// C3DTechnicalMetadata is the immutable-after-write 1:1 technical metadata
// row extracted from the C3D container header.
type C3DTechnicalMetadata struct {
	SessionID      string   `db:"session_id" json:"session_id"`
	SamplingRateHz float64  `db:"sampling_rate_hz" json:"sampling_rate_hz"`
	ChannelCount   int      `db:"channel_count" json:"channel_count"`
	ChannelNames   []string `db:"channel_names" json:"channel_names"`
	FrameCount     int      `db:"frame_count" json:"frame_count"`
	DurationSec    float64  `db:"duration_seconds" json:"duration_seconds"`
}

// ProcessingParameters is the 1:1 row describing the signal-processing
// configuration actually applied to a session.
type ProcessingParameters struct {
	SessionID          string  `db:"session_id" json:"session_id"`
	FilterLowCutoffHz  float64 `db:"filter_low_cutoff_hz" json:"filter_low_cutoff_hz"`
	FilterHighCutoffHz float64 `db:"filter_high_cutoff_hz" json:"filter_high_cutoff_hz"`
	FilterOrder        int     `db:"filter_order" json:"filter_order"`
	RMSWindowMs        float64 `db:"rms_window_ms" json:"rms_window_ms"`
	RectificationOn    bool    `db:"rectification_enabled" json:"rectification_enabled"`
	MVCEstimationMode  string  `db:"mvc_estimation_method" json:"mvc_estimation_method"`
	NotchEnabled       bool    `db:"notch_enabled" json:"notch_enabled"`
	NotchFrequencyHz   float64 `db:"notch_frequency_hz" json:"notch_frequency_hz"`
}

// Contraction is a single detected contraction event within one channel.
type Contraction struct {
	StartMs      float64 `db:"start_ms" json:"start_ms"`
	EndMs        float64 `db:"end_ms" json:"end_ms"`
	DurationMs   float64 `db:"duration_ms" json:"duration_ms"`
	MeanAmp      float64 `db:"mean_amplitude" json:"mean_amplitude"`
	MaxAmp       float64 `db:"max_amplitude" json:"max_amplitude"`
	MeetsMVC     bool    `db:"meets_mvc" json:"meets_mvc"`
	MeetsDur     bool    `db:"meets_duration" json:"meets_duration"`
	IsGood       bool    `db:"is_good" json:"is_good"`
}

// EMGStatistics is the per-(session, channel) aggregate produced by C1+C2.
type EMGStatistics struct {
	SessionID             string        `db:"session_id" json:"session_id"`
	Channel               string        `db:"channel" json:"channel"`
	ContractionCount      int           `db:"contraction_count" json:"contraction_count"`
	GoodContractionCount  int           `db:"good_contraction_count" json:"good_contraction_count"`
	MVCCompliantCount     int           `db:"mvc_compliant_count" json:"mvc_compliant_count"`
	DurationCompliantCount int          `db:"duration_compliant_count" json:"duration_compliant_count"`
	MeanDurationMs        float64       `db:"mean_duration_ms" json:"mean_duration_ms"`
	MinDurationMs         float64       `db:"min_duration_ms" json:"min_duration_ms"`
	MaxDurationMs         float64       `db:"max_duration_ms" json:"max_duration_ms"`
	TotalTimeUnderTensionMs float64     `db:"total_time_under_tension_ms" json:"total_time_under_tension_ms"`
	MeanAmplitude         float64       `db:"mean_amplitude" json:"mean_amplitude"`
	MaxAmplitude          float64       `db:"max_amplitude" json:"max_amplitude"`
	RMS                   float64       `db:"rms" json:"rms"`
	MAV                   float64       `db:"mav" json:"mav"`
	MPF                   float64       `db:"mpf" json:"mpf"`
	MDF                   float64       `db:"mdf" json:"mdf"`
	FatigueIndex          float64       `db:"fatigue_index" json:"fatigue_index"`
	Contractions          []Contraction `db:"-" json:"contractions"`
}

// PerformanceScore is the 1:1 scoring result for a completed session.
// Every rate field must be clamped to [0,1] before a write.
type PerformanceScore struct {
	SessionID           string  `db:"session_id" json:"session_id"`
	Overall             float64 `db:"overall_score" json:"overall_score"`
	Compliance          float64 `db:"compliance_score" json:"compliance_score"`
	Symmetry            float64 `db:"symmetry_score" json:"symmetry_score"`
	Effort              float64 `db:"effort_score" json:"effort_score"`
	EffortSynthetic     bool    `db:"effort_synthetic" json:"effort_synthetic"`
	Game                *float64 `db:"game_score" json:"game_score,omitempty"`
	LeftCompliance      float64 `db:"left_muscle_compliance" json:"left_muscle_compliance"`
	RightCompliance     float64 `db:"right_muscle_compliance" json:"right_muscle_compliance"`
	CompletionLeft      float64 `db:"completion_left" json:"completion_left"`
	CompletionRight     float64 `db:"completion_right" json:"completion_right"`
	IntensityLeft       float64 `db:"intensity_left" json:"intensity_left"`
	IntensityRight      float64 `db:"intensity_right" json:"intensity_right"`
	DurationLeft        float64 `db:"duration_left" json:"duration_left"`
	DurationRight       float64 `db:"duration_right" json:"duration_right"`
	BFRCompliant        bool    `db:"bfr_compliant" json:"bfr_compliant"`
	RPE                 *int    `db:"rpe" json:"rpe,omitempty"`
	ScoringConfigID     string  `db:"scoring_config_id" json:"scoring_config_id"`
}

// Weights is the main top-level scoring weight set. Fields sum to 1.0±tol.
type Weights struct {
	Compliance float64 `json:"compliance" yaml:"compliance"`
	Symmetry   float64 `json:"symmetry" yaml:"symmetry"`
	Effort     float64 `json:"effort" yaml:"effort"`
	Game       float64 `json:"game" yaml:"game"`
}

// SubWeights is the per-muscle sub-weight set feeding muscle_compliance.
type SubWeights struct {
	Completion float64 `json:"completion" yaml:"completion"`
	Intensity  float64 `json:"intensity" yaml:"intensity"`
	Duration   float64 `json:"duration" yaml:"duration"`
}

// ScoringConfigLevel is the hierarchy level a ScoringConfiguration applies at.
type ScoringConfigLevel string

const (
	LevelGlobal     ScoringConfigLevel = "global"
	LevelPatient    ScoringConfigLevel = "patient"
	LevelSessionPin ScoringConfigLevel = "session"
)

// ScoringConfiguration is a reference entity resolved through the hierarchy
// per-session pinned > per-patient current > global default.
type ScoringConfiguration struct {
	ID         string             `db:"id" json:"id"`
	Level      ScoringConfigLevel `db:"level" json:"level"`
	PatientID  *string            `db:"patient_id" json:"patient_id,omitempty"`
	SessionID  *string            `db:"session_id" json:"session_id,omitempty"`
	Main       Weights            `db:"-" json:"main"`
	Sub        SubWeights         `db:"-" json:"sub"`
	RPEMapping map[int]float64    `db:"-" json:"rpe_mapping"`
}

// CacheEntry is the logical value stored under the content-addressed
// cache key.
type CacheEntry struct {
	Fingerprint       string          `json:"fingerprint"`
	ProcessingVersion string          `json:"processing_version"`
	ParameterSig      string          `json:"parameter_signature"`
	Analytics         []byte          `json:"analytics"`
	ProcessingTimeMs  int64           `json:"processing_time_ms"`
	CacheHits         int64           `json:"cache_hits"`
	CachedAt          time.Time       `json:"cached_at"`
}

// SessionMetrics is the input bundle to the Scoring Engine (C4).
type SessionMetrics struct {
	SessionID             string
	LeftTotal             int
	LeftMVCCompliant      int
	LeftDurationCompliant int
	RightTotal            int
	RightMVCCompliant     int
	RightDurationCompliant int
	ExpectedPerMuscle     int
	BFRCompliant          bool
	RPE                   *int
	GamePointsAchieved    *float64
	GamePointsMax         *float64
	Weights               Weights
	SubWeights            SubWeights
}
