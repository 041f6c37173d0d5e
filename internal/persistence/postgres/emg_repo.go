package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
)

type c3dMetadataRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewC3DMetadataRepo creates a PostgreSQL-backed C3DMetadataRepo.
func NewC3DMetadataRepo(db *sqlx.DB, timeout time.Duration) persistence.C3DMetadataRepo {
	return &c3dMetadataRepo{db: db, timeout: timeout}
}

func (r *c3dMetadataRepo) Upsert(ctx context.Context, m domain.C3DTechnicalMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		INSERT INTO c3d_technical_metadata
			(session_id, sampling_rate_hz, channel_count, channel_names, frame_count, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			sampling_rate_hz = EXCLUDED.sampling_rate_hz,
			channel_count = EXCLUDED.channel_count,
			channel_names = EXCLUDED.channel_names,
			frame_count = EXCLUDED.frame_count,
			duration_seconds = EXCLUDED.duration_seconds`

	_, err := r.db.ExecContext(ctx, query,
		m.SessionID, m.SamplingRateHz, m.ChannelCount, pq.Array(m.ChannelNames), m.FrameCount, m.DurationSec)
	if err != nil {
		return fmt.Errorf("failed to upsert c3d technical metadata: %w", err)
	}
	return nil
}

func (r *c3dMetadataRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.C3DTechnicalMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT session_id, sampling_rate_hz, channel_count, channel_names, frame_count, duration_seconds
		FROM c3d_technical_metadata WHERE session_id = $1`

	var m domain.C3DTechnicalMetadata
	err := r.db.QueryRowxContext(ctx, query, sessionID).Scan(
		&m.SessionID, &m.SamplingRateHz, &m.ChannelCount, pq.Array(&m.ChannelNames), &m.FrameCount, &m.DurationSec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get c3d technical metadata: %w", err)
	}
	return &m, nil
}

type processingParamsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewProcessingParametersRepo creates a PostgreSQL-backed ProcessingParametersRepo.
func NewProcessingParametersRepo(db *sqlx.DB, timeout time.Duration) persistence.ProcessingParametersRepo {
	return &processingParamsRepo{db: db, timeout: timeout}
}

func (r *processingParamsRepo) Upsert(ctx context.Context, p domain.ProcessingParameters) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		INSERT INTO processing_parameters
			(session_id, filter_low_cutoff_hz, filter_high_cutoff_hz, filter_order, rms_window_ms,
			 rectification_enabled, mvc_estimation_method, notch_enabled, notch_frequency_hz)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			filter_low_cutoff_hz = EXCLUDED.filter_low_cutoff_hz,
			filter_high_cutoff_hz = EXCLUDED.filter_high_cutoff_hz,
			filter_order = EXCLUDED.filter_order,
			rms_window_ms = EXCLUDED.rms_window_ms,
			rectification_enabled = EXCLUDED.rectification_enabled,
			mvc_estimation_method = EXCLUDED.mvc_estimation_method,
			notch_enabled = EXCLUDED.notch_enabled,
			notch_frequency_hz = EXCLUDED.notch_frequency_hz`

	_, err := r.db.ExecContext(ctx, query,
		p.SessionID, p.FilterLowCutoffHz, p.FilterHighCutoffHz, p.FilterOrder, p.RMSWindowMs,
		p.RectificationOn, p.MVCEstimationMode, p.NotchEnabled, p.NotchFrequencyHz)
	if err != nil {
		return fmt.Errorf("failed to upsert processing parameters: %w", err)
	}
	return nil
}

func (r *processingParamsRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.ProcessingParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT session_id, filter_low_cutoff_hz, filter_high_cutoff_hz, filter_order, rms_window_ms,
		       rectification_enabled, mvc_estimation_method, notch_enabled, notch_frequency_hz
		FROM processing_parameters WHERE session_id = $1`

	var p domain.ProcessingParameters
	err := r.db.GetContext(ctx, &p, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get processing parameters: %w", err)
	}
	return &p, nil
}

type emgStatsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEMGStatisticsRepo creates a PostgreSQL-backed EMGStatisticsRepo.
func NewEMGStatisticsRepo(db *sqlx.DB, timeout time.Duration) persistence.EMGStatisticsRepo {
	return &emgStatsRepo{db: db, timeout: timeout}
}

func (r *emgStatsRepo) UpsertBatch(ctx context.Context, stats []domain.EMGStatistics) error {
	if len(stats) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO emg_statistics
			(session_id, channel, contraction_count, good_contraction_count, mvc_compliant_count,
			 duration_compliant_count, mean_duration_ms, min_duration_ms, max_duration_ms,
			 total_time_under_tension_ms, mean_amplitude, max_amplitude, rms, mav, mpf, mdf, fatigue_index)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (session_id, channel) DO UPDATE SET
			contraction_count = EXCLUDED.contraction_count,
			good_contraction_count = EXCLUDED.good_contraction_count,
			mvc_compliant_count = EXCLUDED.mvc_compliant_count,
			duration_compliant_count = EXCLUDED.duration_compliant_count,
			mean_duration_ms = EXCLUDED.mean_duration_ms,
			min_duration_ms = EXCLUDED.min_duration_ms,
			max_duration_ms = EXCLUDED.max_duration_ms,
			total_time_under_tension_ms = EXCLUDED.total_time_under_tension_ms,
			mean_amplitude = EXCLUDED.mean_amplitude,
			max_amplitude = EXCLUDED.max_amplitude,
			rms = EXCLUDED.rms, mav = EXCLUDED.mav, mpf = EXCLUDED.mpf, mdf = EXCLUDED.mdf,
			fatigue_index = EXCLUDED.fatigue_index`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		_, err := stmt.ExecContext(ctx,
			s.SessionID, s.Channel, s.ContractionCount, s.GoodContractionCount, s.MVCCompliantCount,
			s.DurationCompliantCount, s.MeanDurationMs, s.MinDurationMs, s.MaxDurationMs,
			s.TotalTimeUnderTensionMs, s.MeanAmplitude, s.MaxAmplitude, s.RMS, s.MAV, s.MPF, s.MDF, s.FatigueIndex)
		if err != nil {
			return fmt.Errorf("failed to upsert emg statistics for channel %s: %w", s.Channel, err)
		}
	}

	return tx.Commit()
}

func (r *emgStatsRepo) ListBySessionID(ctx context.Context, sessionID string) ([]domain.EMGStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT session_id, channel, contraction_count, good_contraction_count, mvc_compliant_count,
		       duration_compliant_count, mean_duration_ms, min_duration_ms, max_duration_ms,
		       total_time_under_tension_ms, mean_amplitude, max_amplitude, rms, mav, mpf, mdf, fatigue_index
		FROM emg_statistics WHERE session_id = $1 ORDER BY channel`

	var stats []domain.EMGStatistics
	if err := r.db.SelectContext(ctx, &stats, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list emg statistics: %w", err)
	}
	return stats, nil
}

func (r *emgStatsRepo) InsertContractions(ctx context.Context, sessionID, channel string, contractions []domain.Contraction) error {
	if len(contractions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO contractions
			(session_id, channel, start_ms, end_ms, duration_ms, mean_amplitude, max_amplitude,
			 meets_mvc, meets_duration, is_good)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range contractions {
		_, err := stmt.ExecContext(ctx,
			sessionID, channel, c.StartMs, c.EndMs, c.DurationMs, c.MeanAmp, c.MaxAmp,
			c.MeetsMVC, c.MeetsDur, c.IsGood)
		if err != nil {
			return fmt.Errorf("failed to insert contraction: %w", err)
		}
	}

	return tx.Commit()
}

type performanceScoreRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPerformanceScoreRepo creates a PostgreSQL-backed PerformanceScoreRepo.
func NewPerformanceScoreRepo(db *sqlx.DB, timeout time.Duration) persistence.PerformanceScoreRepo {
	return &performanceScoreRepo{db: db, timeout: timeout}
}

func (r *performanceScoreRepo) Upsert(ctx context.Context, s domain.PerformanceScore) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		INSERT INTO performance_scores
			(session_id, overall_score, compliance_score, symmetry_score, effort_score, effort_synthetic,
			 game_score, left_muscle_compliance, right_muscle_compliance, completion_left, completion_right,
			 intensity_left, intensity_right, duration_left, duration_right, bfr_compliant, rpe, scoring_config_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (session_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			compliance_score = EXCLUDED.compliance_score,
			symmetry_score = EXCLUDED.symmetry_score,
			effort_score = EXCLUDED.effort_score,
			effort_synthetic = EXCLUDED.effort_synthetic,
			game_score = EXCLUDED.game_score,
			left_muscle_compliance = EXCLUDED.left_muscle_compliance,
			right_muscle_compliance = EXCLUDED.right_muscle_compliance,
			completion_left = EXCLUDED.completion_left,
			completion_right = EXCLUDED.completion_right,
			intensity_left = EXCLUDED.intensity_left,
			intensity_right = EXCLUDED.intensity_right,
			duration_left = EXCLUDED.duration_left,
			duration_right = EXCLUDED.duration_right,
			bfr_compliant = EXCLUDED.bfr_compliant,
			rpe = EXCLUDED.rpe,
			scoring_config_id = EXCLUDED.scoring_config_id`

	_, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.Overall, s.Compliance, s.Symmetry, s.Effort, s.EffortSynthetic,
		s.Game, s.LeftCompliance, s.RightCompliance, s.CompletionLeft, s.CompletionRight,
		s.IntensityLeft, s.IntensityRight, s.DurationLeft, s.DurationRight, s.BFRCompliant, s.RPE, s.ScoringConfigID)
	if err != nil {
		return fmt.Errorf("failed to upsert performance score: %w", err)
	}
	return nil
}

func (r *performanceScoreRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.PerformanceScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT session_id, overall_score, compliance_score, symmetry_score, effort_score, effort_synthetic,
		       game_score, left_muscle_compliance, right_muscle_compliance, completion_left, completion_right,
		       intensity_left, intensity_right, duration_left, duration_right, bfr_compliant, rpe, scoring_config_id
		FROM performance_scores WHERE session_id = $1`

	var s domain.PerformanceScore
	err := r.db.GetContext(ctx, &s, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get performance score: %w", err)
	}
	return &s, nil
}
