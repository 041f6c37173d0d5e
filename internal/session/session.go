// Package session implements the session processor: the fast,
// synchronous webhook-handling path (signature verification, dedup,
// session-row creation) and the background processing pipeline that
// decodes a C3D recording, runs it through signal processing and
// contraction analysis, scores it, and persists the result. Analog
// channel CH1 maps to the left muscle group and CH2 to the right.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/apperr"
	"github.com/ghostlyplus/emganalyzer/internal/breakers"
	"github.com/ghostlyplus/emganalyzer/internal/c3dread"
	"github.com/ghostlyplus/emganalyzer/internal/cache"
	"github.com/ghostlyplus/emganalyzer/internal/contraction"
	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
	"github.com/ghostlyplus/emganalyzer/internal/scoring"
	"github.com/ghostlyplus/emganalyzer/internal/signal"
	"github.com/ghostlyplus/emganalyzer/internal/webhook"
	"github.com/ghostlyplus/emganalyzer/internal/worker"
)

// storageBreakerName is the single named circuit breaker this processor
// registers and downloads through.
const storageBreakerName = "object-storage"

// Config carries the per-pipeline-run defaults the background path needs;
// these mirror internal/config.Config's Signal/Contraction/Scoring
// sections but are kept decoupled from the YAML loader so this package
// does not import internal/config.
type Config struct {
	Signal            signal.Params
	Contraction       contraction.Params
	ScoringTolerance  float64
	ExpectedPerMuscle int
	BackgroundTimeout time.Duration
	ExpectedBucket    string
}

// Processor orchestrates C7: Ingest runs the fast path synchronously,
// Process runs the background path for one session.
type Processor struct {
	repo        *persistence.Repository
	cache       *cache.Layer
	breakers    *breakers.Manager
	pool        *worker.Pool
	store       ObjectStore
	dispatcher  webhook.Dispatcher
	cfg         Config
	sessionSeqs map[string]int // in-process fallback sequence counter, see nextSequence
}

// New builds a Processor. The caller owns the lifecycle of pool, cache,
// and breakers (Start/Close) since they are shared across the process.
func New(repo *persistence.Repository, cacheLayer *cache.Layer, brk *breakers.Manager, pool *worker.Pool, store ObjectStore, security webhook.Security, policy webhook.DuplicatePolicy, idempotencyWindow time.Duration, cfg Config) *Processor {
	brk.Register(breakers.DefaultConfig(storageBreakerName))
	return &Processor{
		repo:     repo,
		cache:    cacheLayer,
		breakers: brk,
		pool:     pool,
		store:    store,
		dispatcher: webhook.Dispatcher{
			Security:          security,
			IdempotencyWindow: idempotencyWindow,
			DuplicatePolicy:   policy,
			Dedup:             dedupAdapter{repo: repo.Sessions},
		},
		cfg:         cfg,
		sessionSeqs: map[string]int{},
	}
}

// IngestResult is the fast path's synchronous response returned to the
// webhook caller.
type IngestResult struct {
	Success          bool
	Message          string
	SessionCode      string
	SessionID        string
	ProcessingTimeMs int64
}

// Ingest runs the fast path: verify, extract patient code, create the
// session row, enqueue the background task, and return immediately. It
// never blocks on download or decode.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signature string, event webhook.StorageEvent) (IngestResult, error) {
	start := time.Now()

	decision := p.dispatcher.Evaluate(payload, signature, event)
	if !decision.Accept {
		if decision.Reason == "invalid signature" {
			return IngestResult{}, apperr.New(apperr.Signature, decision.Reason)
		}
		return IngestResult{
			Success:          true,
			Message:          decision.Reason,
			SessionCode:      decision.ExistingID,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	if p.cfg.ExpectedBucket != "" && event.Bucket != p.cfg.ExpectedBucket {
		return IngestResult{
			Success:          true,
			Message:          fmt.Sprintf("ignoring upload into unexpected bucket %q", event.Bucket),
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	patientCode := decision.PatientCode
	seq := p.nextSequence(patientCode)
	sessionCode := generateSessionCode(patientCode, seq)

	var patientID *string
	if patientCode != "" {
		patientID = &patientCode
	}

	s := domain.TherapySession{
		SessionCode: sessionCode,
		Bucket:      event.Bucket,
		ObjectPath:  event.ObjectPath,
		PatientID:   patientID,
		Status:      domain.StatusPending,
	}
	id, err := p.repo.Sessions.Create(ctx, s)
	if err != nil {
		return IngestResult{}, fmt.Errorf("creating session row: %w", err)
	}

	submitErr := p.pool.Submit(ctx, id, func(bgCtx context.Context) error {
		return p.Process(bgCtx, id)
	})
	if submitErr != nil {
		// The row is already persisted as pending; surface the
		// queue-full condition but still ack the webhook so the sender
		// does not retry-storm us.
		applog.Logger.Warn().Err(submitErr).Str("session_id", id).Msg("background queue full, session left pending")
	}

	return IngestResult{
		Success:          true,
		SessionCode:      sessionCode,
		SessionID:        id,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// nextSequence returns the next per-patient session ordinal. It counts
// existing sessions for the patient rather than keeping a durable
// counter table, which is adequate since session codes are a display
// convenience, not a uniqueness constraint (fingerprint/id are).
func (p *Processor) nextSequence(patientCode string) int {
	if patientCode == "" {
		return 1
	}
	existing, err := p.repo.Sessions.ListByPatient(context.Background(), patientCode, 1000)
	if err != nil {
		applog.Logger.Warn().Err(err).Str("patient_code", patientCode).Msg("failed to count existing sessions, falling back to in-memory sequence")
		p.sessionSeqs[patientCode]++
		return p.sessionSeqs[patientCode]
	}
	return len(existing) + 1
}

// pipelineAnalytics is the durable-cache payload: everything step 7-9 of
// the background path needs to persist on a cache hit without re-running
// C1-C4.
type pipelineAnalytics struct {
	Metadata     domain.C3DTechnicalMetadata      `json:"metadata"`
	Params       domain.ProcessingParameters      `json:"params"`
	Stats        []domain.EMGStatistics           `json:"stats"`
	Contractions map[string][]domain.Contraction  `json:"contractions"`
	Score        *domain.PerformanceScore         `json:"score"`
}

// Process runs the background path for an already-created session row.
func (p *Processor) Process(ctx context.Context, sessionID string) error {
	if p.cfg.BackgroundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BackgroundTimeout)
		defer cancel()
	}

	start := time.Now()
	sess, err := p.repo.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	if err := p.fail(ctx, sessionID, p.repo.Sessions.UpdateStatus(ctx, sessionID, domain.StatusProcessing, nil)); err != nil {
		return err
	}

	raw, err := p.breakers.Download(ctx, storageBreakerName, func(dlCtx context.Context) ([]byte, error) {
		return p.store.Download(dlCtx, sess.Bucket, sess.ObjectPath)
	})
	if err != nil {
		return p.failSession(ctx, sessionID, "download failed", err)
	}

	fingerprint := sha256Hex(raw)

	patientID := ""
	if sess.PatientID != nil {
		patientID = *sess.PatientID
	}
	scoringCfg, err := persistence.Resolve(ctx, p.repo.ScoringConfigs, patientID, sessionID)
	if err != nil {
		return p.failSession(ctx, sessionID, "resolving scoring configuration", err)
	}

	params := map[string]interface{}{
		"highpass_hz":       p.cfg.Signal.HighpassCutoffHz,
		"lowpass_hz":        p.cfg.Signal.LowpassCutoffHz,
		"filter_order":      p.cfg.Signal.FilterOrder,
		"threshold_factor":  p.cfg.Contraction.ThresholdFactor,
		"expected_per_muscle": p.cfg.ExpectedPerMuscle,
	}

	result, cacheHit, err := p.buildOrFetchAnalytics(ctx, fingerprint, params, sess, scoringCfg)
	if err != nil {
		if apperr.Is(err, apperr.SignalQuality) {
			return p.failSession(ctx, sessionID, "quality gate rejected recording", err)
		}
		return p.failSession(ctx, sessionID, "processing failed", err)
	}

	if err := p.repo.C3DMetadata.Upsert(ctx, withSessionID(result.Metadata, sessionID)); err != nil {
		return p.failSession(ctx, sessionID, "persisting technical metadata", err)
	}
	result.Params.SessionID = sessionID
	if err := p.repo.ProcessingParameters.Upsert(ctx, result.Params); err != nil {
		return p.failSession(ctx, sessionID, "persisting processing parameters", err)
	}
	for i := range result.Stats {
		result.Stats[i].SessionID = sessionID
	}
	if err := p.repo.EMGStatistics.UpsertBatch(ctx, result.Stats); err != nil {
		return p.failSession(ctx, sessionID, "persisting emg statistics", err)
	}
	for channel, contractions := range result.Contractions {
		if err := p.repo.EMGStatistics.InsertContractions(ctx, sessionID, channel, contractions); err != nil {
			return p.failSession(ctx, sessionID, "persisting contractions", err)
		}
	}

	if result.Score != nil {
		result.Score.SessionID = sessionID
		result.Score.ScoringConfigID = scoringCfg.ID
		if err := p.repo.PerformanceScores.Upsert(ctx, *result.Score); err != nil {
			return p.failSession(ctx, sessionID, "persisting performance score", err)
		}
	}

	processingMs := time.Since(start).Milliseconds()
	if !cacheHit {
		analyticsJSON, _ := json.Marshal(result)
		if err := p.cache.Put(ctx, sessionID, fingerprint, params, analyticsJSON, processingMs); err != nil {
			applog.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("cache write failed, continuing")
		}
	} else {
		if err := p.repo.Sessions.TouchCacheHit(ctx, sessionID); err != nil {
			applog.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("cache-hit counter update failed")
		}
	}

	if err := p.repo.Sessions.SetAnalyticsCache(ctx, sessionID, nil, processingMs); err != nil {
		applog.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("recording processing time failed")
	}
	if err := p.repo.Sessions.UpdateStatus(ctx, sessionID, domain.StatusCompleted, nil); err != nil {
		return fmt.Errorf("marking session %s completed: %w", sessionID, err)
	}
	return nil
}

// buildOrFetchAnalytics consults the cache, and on miss runs the full C1-C4
// pipeline behind a singleflight barrier keyed by the cache key so
// concurrent deliveries of identical content build it at most once.
func (p *Processor) buildOrFetchAnalytics(ctx context.Context, fingerprint string, params map[string]interface{}, sess *domain.TherapySession, scoringCfg *domain.ScoringConfiguration) (pipelineAnalytics, bool, error) {
	if entry, ok := p.cache.Get(ctx, fingerprint, params); ok {
		var cached pipelineAnalytics
		if err := json.Unmarshal(entry.Analytics, &cached); err == nil {
			return cached, true, nil
		}
	}

	key := cache.Key(fingerprint, "", params)
	v, err, _ := p.cache.Singleflight(key, func() (interface{}, error) {
		raw, dlErr := p.breakers.Download(ctx, storageBreakerName, func(dlCtx context.Context) ([]byte, error) {
			return p.store.Download(dlCtx, sess.Bucket, sess.ObjectPath)
		})
		if dlErr != nil {
			return nil, dlErr
		}
		return p.runPipeline(raw, scoringCfg)
	})
	if err != nil {
		return pipelineAnalytics{}, false, err
	}
	return v.(pipelineAnalytics), false, nil
}

// runPipeline executes C3 decode through C4 scoring for one recording's
// raw bytes.
func (p *Processor) runPipeline(raw []byte, scoringCfg *domain.ScoringConfiguration) (pipelineAnalytics, error) {
	decoded, err := c3dread.Read(raw)
	if err != nil {
		return pipelineAnalytics{}, err
	}

	fs := toFloat(decoded.Metadata["sampling_rate"])
	if fs <= 0 {
		return pipelineAnalytics{}, apperr.New(apperr.C3DDecode, "sampling rate missing or non-positive in C3D metadata")
	}

	channelNames := make([]string, 0, len(decoded.Channels))
	for name := range decoded.Channels {
		channelNames = append(channelNames, name)
	}
	sort.Strings(channelNames)

	sigParams := p.cfg.Signal
	safeCutoff := math.Min(sigParams.LowpassCutoffHz, 0.9*fs/2.0)
	if safeCutoff != sigParams.LowpassCutoffHz {
		applog.Logger.Info().Float64("configured_hz", sigParams.LowpassCutoffHz).Float64("safe_hz", safeCutoff).
			Msg("nyquist violation: clamped low-pass cutoff, continuing")
	}

	stats := make([]domain.EMGStatistics, 0, len(channelNames))
	contractionsByChannel := map[string][]domain.Contraction{}
	leftStats, rightStats := contraction.Result{}, contraction.Result{}

	for _, name := range channelNames {
		raw := decoded.Channels[name]
		sr := signal.Process(raw, fs, sigParams)
		if sr.Err != nil {
			return pipelineAnalytics{}, sr.Err
		}

		cr := contraction.Analyze(sr.ProcessedSignal, fs, p.cfg.Contraction)
		spectrum := signal.ComputeSpectrum(sr.ProcessedSignal, fs)

		stat := aggregateStatistics(name, sr, cr, spectrum)
		stats = append(stats, stat)
		contractionsByChannel[name] = cr.Contractions

		switch strings.ToUpper(name) {
		case "CH1":
			leftStats = cr
		case "CH2":
			rightStats = cr
		}
	}

	metadata := domain.C3DTechnicalMetadata{
		SamplingRateHz: fs,
		ChannelCount:   len(channelNames),
		ChannelNames:   channelNames,
		FrameCount:     int(toFloat(decoded.Metadata["frame_count"])),
		DurationSec:    toFloat(decoded.Metadata["duration_seconds"]),
	}

	processingParams := domain.ProcessingParameters{
		FilterLowCutoffHz:  safeCutoff,
		FilterHighCutoffHz: sigParams.HighpassCutoffHz,
		FilterOrder:        sigParams.FilterOrder,
		RMSWindowMs:        sigParams.SmoothingWindowMs,
		RectificationOn:    sigParams.RectificationOn,
		MVCEstimationMode:  "threshold_factor",
	}

	metrics := domain.SessionMetrics{
		LeftTotal:              leftStats.ContractionCount,
		LeftMVCCompliant:       leftStats.MVCCompliantCount,
		LeftDurationCompliant:  leftStats.DurationCompliantCount,
		RightTotal:             rightStats.ContractionCount,
		RightMVCCompliant:      rightStats.MVCCompliantCount,
		RightDurationCompliant: rightStats.DurationCompliantCount,
		ExpectedPerMuscle:      p.cfg.ExpectedPerMuscle,
		Weights:                scoringCfg.Main,
		SubWeights:             scoringCfg.Sub,
	}

	var score *domain.PerformanceScore
	if leftStats.ContractionCount > 0 || rightStats.ContractionCount > 0 {
		s, scoreErr := scoring.Score(metrics, scoringCfg.RPEMapping)
		if scoreErr != nil {
			// A scoring failure still keeps everything persisted up to this
			// point; the score row is simply omitted.
			applog.Logger.Warn().Err(scoreErr).Msg("scoring failed, session will complete without a performance score")
		} else {
			score = s
		}
	}

	return pipelineAnalytics{
		Metadata:     metadata,
		Params:       processingParams,
		Stats:        stats,
		Contractions: contractionsByChannel,
		Score:        score,
	}, nil
}

func aggregateStatistics(channel string, sr signal.Result, cr contraction.Result, spectrum signal.SpectrumStats) domain.EMGStatistics {
	var totalTUT, meanDur, minDur, maxDur float64
	minDur = math.Inf(1)
	for _, c := range cr.Contractions {
		totalTUT += c.DurationMs
		meanDur += c.DurationMs
		if c.DurationMs < minDur {
			minDur = c.DurationMs
		}
		if c.DurationMs > maxDur {
			maxDur = c.DurationMs
		}
	}
	if len(cr.Contractions) > 0 {
		meanDur /= float64(len(cr.Contractions))
	} else {
		minDur = 0
	}

	return domain.EMGStatistics{
		Channel:                 channel,
		ContractionCount:        cr.ContractionCount,
		GoodContractionCount:    cr.GoodContractionCount,
		MVCCompliantCount:       cr.MVCCompliantCount,
		DurationCompliantCount:  cr.DurationCompliantCount,
		MeanDurationMs:          meanDur,
		MinDurationMs:           minDur,
		MaxDurationMs:           maxDur,
		TotalTimeUnderTensionMs: totalTUT,
		MeanAmplitude:           sr.PostStats.Mean,
		MaxAmplitude:            sr.PostStats.Max,
		RMS:                     math.Sqrt(sr.PostStats.Mean*sr.PostStats.Mean + sr.PostStats.Std*sr.PostStats.Std),
		MAV:                     sr.PostStats.Mean,
		MPF:                     spectrum.MPF,
		MDF:                     spectrum.MDF,
		FatigueIndex:            spectrum.FatigueIndex,
		Contractions:            cr.Contractions,
	}
}

// failSession records a structured failure message and transitions the
// session to failed; the original error is still returned to the caller
// so the worker pool's metrics/logging capture it too.
func (p *Processor) failSession(ctx context.Context, sessionID, reason string, cause error) error {
	msg := fmt.Sprintf("%s: %v", reason, cause)
	if err := p.repo.Sessions.UpdateStatus(ctx, sessionID, domain.StatusFailed, &msg); err != nil {
		applog.Logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to record failure status")
	}
	return apperr.Wrap(apperr.TherapySession, reason, cause)
}

// fail is a small helper so the processing-transition call above reads
// linearly; a non-nil err here means the UpdateStatus(processing) call
// itself failed, which is an infrastructure problem worth surfacing
// directly rather than wrapping as a therapy-session failure.
func (p *Processor) fail(ctx context.Context, sessionID string, err error) error {
	if err != nil {
		return fmt.Errorf("transitioning session %s to processing: %w", sessionID, err)
	}
	return nil
}

// StatusResult is the GET /webhooks/storage/status/{session_code} payload.
type StatusResult struct {
	SessionCode   string
	Status        domain.SessionStatus
	FilePath      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ErrorMessage  *string
	HasAnalysis   bool
	Found         bool
}

// Status resolves a session code to its current lifecycle status.
func (p *Processor) Status(ctx context.Context, sessionCode string) (StatusResult, error) {
	s, err := p.repo.Sessions.GetBySessionCode(ctx, sessionCode)
	if err != nil {
		return StatusResult{}, err
	}
	if s == nil {
		return StatusResult{}, nil
	}
	score, err := p.repo.PerformanceScores.GetBySessionID(ctx, s.ID)
	if err != nil {
		applog.Logger.Warn().Err(err).Str("session_code", sessionCode).Msg("status lookup could not check for a performance score")
	}
	return StatusResult{
		SessionCode:  s.SessionCode,
		Status:       s.Status,
		FilePath:     s.Bucket + "/" + s.ObjectPath,
		CreatedAt:    s.CreatedAt,
		ProcessedAt:  s.ProcessedAt,
		ErrorMessage: s.ProcessingErrorMessage,
		HasAnalysis:  score != nil,
		Found:        true,
	}, nil
}

func withSessionID(m domain.C3DTechnicalMetadata, sessionID string) domain.C3DTechnicalMetadata {
	m.SessionID = sessionID
	return m
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
