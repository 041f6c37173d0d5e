package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
	"github.com/ghostlyplus/emganalyzer/internal/breakers"
	"github.com/ghostlyplus/emganalyzer/internal/cache"
	"github.com/ghostlyplus/emganalyzer/internal/contraction"
	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
	"github.com/ghostlyplus/emganalyzer/internal/signal"
	"github.com/ghostlyplus/emganalyzer/internal/webhook"
	"github.com/ghostlyplus/emganalyzer/internal/worker"
)

func TestGenerateSessionCode(t *testing.T) {
	assert.Equal(t, "P042S001", generateSessionCode("P042", 1))
	assert.Equal(t, "P042S017", generateSessionCode("P042", 17))
}

type fakeSessionRepo struct {
	byID   map[string]*domain.TherapySession
	byCode map[string]*domain.TherapySession
	seq    int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{byID: map[string]*domain.TherapySession{}, byCode: map[string]*domain.TherapySession{}}
}

func (f *fakeSessionRepo) Create(ctx context.Context, s domain.TherapySession) (string, error) {
	f.seq++
	if s.ID == "" {
		s.ID = "id-" + s.SessionCode
	}
	cp := s
	f.byID[cp.ID] = &cp
	f.byCode[cp.SessionCode] = &cp
	return cp.ID, nil
}
func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*domain.TherapySession, error) {
	return f.byID[id], nil
}
func (f *fakeSessionRepo) GetBySessionCode(ctx context.Context, code string) (*domain.TherapySession, error) {
	return f.byCode[code], nil
}
func (f *fakeSessionRepo) GetByFingerprint(ctx context.Context, fp string) (*domain.TherapySession, error) {
	for _, s := range f.byID {
		if s.Fingerprint == fp {
			return s, nil
		}
	}
	return nil, nil
}
func (f *fakeSessionRepo) FindDuplicate(ctx context.Context, bucket, objectPath string, since time.Time) (*domain.TherapySession, error) {
	return nil, nil
}
func (f *fakeSessionRepo) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg *string) error {
	s, ok := f.byID[id]
	if !ok {
		return errors.New("not found")
	}
	s.Status = status
	s.ProcessingErrorMessage = errMsg
	return nil
}
func (f *fakeSessionRepo) SetAnalyticsCache(ctx context.Context, id string, cache []byte, processingTimeMs int64) error {
	s, ok := f.byID[id]
	if !ok {
		return errors.New("not found")
	}
	s.AnalyticsCache = cache
	s.ProcessingTimeMs = &processingTimeMs
	return nil
}
func (f *fakeSessionRepo) TouchCacheHit(ctx context.Context, id string) error {
	s, ok := f.byID[id]
	if !ok {
		return errors.New("not found")
	}
	s.CacheHits++
	return nil
}
func (f *fakeSessionRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.TherapySession, error) {
	var out []domain.TherapySession
	for _, s := range f.byID {
		if s.PatientID != nil && *s.PatientID == patientID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeObjectStore struct {
	data []byte
	err  error
}

func (f fakeObjectStore) Download(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	return f.data, f.err
}

type fakeDurable struct{}

func (fakeDurable) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.CacheEntry, error) {
	return nil, nil
}
func (fakeDurable) Put(ctx context.Context, sessionID string, entry domain.CacheEntry) error {
	return nil
}
func (fakeDurable) IncrementHits(ctx context.Context, sessionID, fingerprint string) error { return nil }
func (fakeDurable) InvalidateByFingerprint(ctx context.Context, fingerprint string) (int, error) {
	return 0, nil
}
func (fakeDurable) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}
func (fakeDurable) Statistics(ctx context.Context) (cache.DurableStats, error) {
	return cache.DurableStats{}, nil
}

func testProcessor(t *testing.T, sessions *fakeSessionRepo, store ObjectStore) *Processor {
	t.Helper()
	repo := &persistence.Repository{Sessions: sessions, ScoringConfigs: &fakeScoringConfigRepo{}}
	cacheLayer := cache.New(cache.Config{FastTTL: time.Minute, ProcessingVersion: "1.0.0"}, fakeDurable{})
	brk := breakers.NewManager(breakers.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1})
	pool := worker.New(1, 10, 0)

	cfg := Config{
		Signal:            signal.DefaultParams(),
		Contraction:       contraction.DefaultParams(),
		ExpectedPerMuscle: 12,
		ExpectedBucket:    "c3d-examples",
	}
	return New(repo, cacheLayer, brk, pool, store, webhook.Security{}, webhook.PolicyAckIgnore, 5*time.Minute, cfg)
}

func TestIngest_InvalidSignatureReturnsSignatureError(t *testing.T) {
	sessions := newFakeSessionRepo()
	repo := &persistence.Repository{Sessions: sessions}
	cacheLayer := cache.New(cache.Config{FastTTL: time.Minute, ProcessingVersion: "1.0.0"}, fakeDurable{})
	brk := breakers.NewManager(breakers.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1})
	pool := worker.New(1, 10, 0)
	cfg := Config{Signal: signal.DefaultParams(), Contraction: contraction.DefaultParams(), ExpectedBucket: "c3d-examples"}
	p := New(repo, cacheLayer, brk, pool, fakeObjectStore{}, webhook.Security{Secret: "topsecret"}, webhook.PolicyAckIgnore, 5*time.Minute, cfg)

	_, err := p.Ingest(context.Background(), []byte("{}"), "sha256=bogus", webhook.StorageEvent{Bucket: "c3d-examples", ObjectPath: "P042/session-1.c3d"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Signature))
}

func TestIngest_RejectsNonC3DObject(t *testing.T) {
	sessions := newFakeSessionRepo()
	p := testProcessor(t, sessions, fakeObjectStore{})

	res, err := p.Ingest(context.Background(), []byte("{}"), "", webhook.StorageEvent{Bucket: "c3d-examples", ObjectPath: "P042/readme.txt"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.SessionCode)
}

func TestIngest_CreatesSessionAndAssignsCode(t *testing.T) {
	sessions := newFakeSessionRepo()
	p := testProcessor(t, sessions, fakeObjectStore{data: []byte("x")})

	res, err := p.Ingest(context.Background(), []byte("{}"), "", webhook.StorageEvent{Bucket: "c3d-examples", ObjectPath: "P042/session-1.c3d"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "P042S001", res.SessionCode)
	assert.NotEmpty(t, res.SessionID)

	stored := sessions.byID[res.SessionID]
	require.NotNil(t, stored)
}

func TestIngest_IgnoresUnexpectedBucket(t *testing.T) {
	sessions := newFakeSessionRepo()
	p := testProcessor(t, sessions, fakeObjectStore{})

	res, err := p.Ingest(context.Background(), []byte("{}"), "", webhook.StorageEvent{Bucket: "other-bucket", ObjectPath: "P042/session-1.c3d"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.SessionCode)
}

func TestProcess_DownloadFailureMarksSessionFailed(t *testing.T) {
	sessions := newFakeSessionRepo()
	id, _ := sessions.Create(context.Background(), domain.TherapySession{SessionCode: "P042S001", Bucket: "c3d-examples", ObjectPath: "P042/a.c3d", Status: domain.StatusPending})

	p := testProcessor(t, sessions, fakeObjectStore{err: errors.New("network unreachable")})

	err := p.Process(context.Background(), id)
	require.Error(t, err)

	stored := sessions.byID[id]
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	require.NotNil(t, stored.ProcessingErrorMessage)
}

func TestProcess_DecodeFailureMarksSessionFailed(t *testing.T) {
	sessions := newFakeSessionRepo()
	id, _ := sessions.Create(context.Background(), domain.TherapySession{SessionCode: "P042S001", Bucket: "c3d-examples", ObjectPath: "P042/a.c3d", Status: domain.StatusPending})

	p := testProcessor(t, sessions, fakeObjectStore{data: []byte("not a c3d file")})

	err := p.Process(context.Background(), id)
	require.Error(t, err)

	stored := sessions.byID[id]
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

type fakeC3DMetadataRepo struct{ rows map[string]domain.C3DTechnicalMetadata }

func (f *fakeC3DMetadataRepo) Upsert(ctx context.Context, m domain.C3DTechnicalMetadata) error {
	f.rows[m.SessionID] = m
	return nil
}
func (f *fakeC3DMetadataRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.C3DTechnicalMetadata, error) {
	if m, ok := f.rows[sessionID]; ok {
		return &m, nil
	}
	return nil, nil
}

type fakeProcessingParamsRepo struct{ rows map[string]domain.ProcessingParameters }

func (f *fakeProcessingParamsRepo) Upsert(ctx context.Context, p domain.ProcessingParameters) error {
	f.rows[p.SessionID] = p
	return nil
}
func (f *fakeProcessingParamsRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.ProcessingParameters, error) {
	if p, ok := f.rows[sessionID]; ok {
		return &p, nil
	}
	return nil, nil
}

type fakeEMGStatisticsRepo struct {
	stats        map[string][]domain.EMGStatistics
	contractions map[string][]domain.Contraction
}

func (f *fakeEMGStatisticsRepo) UpsertBatch(ctx context.Context, stats []domain.EMGStatistics) error {
	for _, s := range stats {
		f.stats[s.SessionID] = append(f.stats[s.SessionID], s)
	}
	return nil
}
func (f *fakeEMGStatisticsRepo) ListBySessionID(ctx context.Context, sessionID string) ([]domain.EMGStatistics, error) {
	return f.stats[sessionID], nil
}
func (f *fakeEMGStatisticsRepo) InsertContractions(ctx context.Context, sessionID, channel string, contractions []domain.Contraction) error {
	f.contractions[sessionID+"/"+channel] = contractions
	return nil
}

type fakePerformanceScoreRepo struct{ rows map[string]domain.PerformanceScore }

func (f *fakePerformanceScoreRepo) Upsert(ctx context.Context, score domain.PerformanceScore) error {
	f.rows[score.SessionID] = score
	return nil
}
func (f *fakePerformanceScoreRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.PerformanceScore, error) {
	if s, ok := f.rows[sessionID]; ok {
		return &s, nil
	}
	return nil, nil
}

type fakeScoringConfigRepo struct{ global domain.ScoringConfiguration }

func (f *fakeScoringConfigRepo) GetGlobalDefault(ctx context.Context) (*domain.ScoringConfiguration, error) {
	cfg := f.global
	return &cfg, nil
}
func (f *fakeScoringConfigRepo) GetPatientCurrent(ctx context.Context, patientID string) (*domain.ScoringConfiguration, error) {
	return nil, nil
}
func (f *fakeScoringConfigRepo) GetSessionPin(ctx context.Context, sessionID string) (*domain.ScoringConfiguration, error) {
	return nil, nil
}
func (f *fakeScoringConfigRepo) Create(ctx context.Context, cfg domain.ScoringConfiguration) (string, error) {
	return "cfg-1", nil
}

// buildParamScalarFloat/buildGroupDef/buildLabelsParam below
// construct a minimal but complete two-channel C3D container: a parameter
// block declaring ANALOG:RATE, ANALOG:LABELS and ANALOG:GEN_SCALE, and an
// analog data section holding real int16 sample frames, so the pipeline
// exercises actual decoded channel data end to end.

func buildParamScalarFloat(name string, groupID int8, value float32) []byte {
	var rec []byte
	rec = append(rec, byte(int8(len(name))), byte(groupID))
	rec = append(rec, []byte(name)...)

	var body []byte
	body = append(body, byte(int8(-4)))
	body = append(body, byte(0))
	valBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBytes, math.Float32bits(value))
	body = append(body, valBytes...)

	nextOffset := uint16(2 + len(body))
	offBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(offBytes, nextOffset)
	rec = append(rec, offBytes...)
	rec = append(rec, body...)
	return rec
}

func buildGroupDef(name string, groupID int8) []byte {
	var rec []byte
	rec = append(rec, byte(int8(len(name))), byte(-groupID))
	rec = append(rec, []byte(name)...)
	offBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(offBytes, 2)
	rec = append(rec, offBytes...)
	return rec
}

func buildLabelsParam(name string, groupID int8, rowLen int, values []string) []byte {
	var rec []byte
	rec = append(rec, byte(int8(len(name))), byte(groupID))
	rec = append(rec, []byte(name)...)

	var data []byte
	for _, v := range values {
		row := make([]byte, rowLen)
		copy(row, v)
		for i := len(v); i < rowLen; i++ {
			row[i] = ' '
		}
		data = append(data, row...)
	}

	var body []byte
	body = append(body, byte(int8(-1)))
	body = append(body, byte(2))
	body = append(body, byte(rowLen), byte(len(values)))
	body = append(body, data...)

	nextOffset := uint16(2 + len(body))
	offBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(offBytes, nextOffset)
	rec = append(rec, offBytes...)
	rec = append(rec, body...)
	return rec
}

// buildSyntheticC3D builds a two-channel C3D file with a real analog data
// section: alternating high/low amplitude blocks so the contraction
// detector's threshold crossing has something to find.
func buildSyntheticC3D(t *testing.T, rate float64, numFrames int) []byte {
	t.Helper()

	const dataStartBlock = 4
	dataOffset := (dataStartBlock - 1) * blockSizeForTest
	totalBytes := dataOffset + numFrames*4 // 2 channels * 2 bytes, analogSamplesPerFrame=1
	numBlocksNeeded := (totalBytes + blockSizeForTest - 1) / blockSizeForTest
	raw := make([]byte, numBlocksNeeded*blockSizeForTest)

	raw[0] = 2 // parameter block pointer: block 2
	raw[1] = 0x50
	binary.LittleEndian.PutUint16(raw[6:8], 1)
	binary.LittleEndian.PutUint16(raw[8:10], uint16(numFrames))
	binary.LittleEndian.PutUint32(raw[12:16], math.Float32bits(1.0)) // positive -> int16 storage
	binary.LittleEndian.PutUint16(raw[16:18], dataStartBlock)
	binary.LittleEndian.PutUint16(raw[18:20], 1) // analog samples per 3D frame

	paramOffset := blockSizeForTest
	raw[paramOffset+2] = 1 // numBlocks = 1
	raw[paramOffset+3] = 1 // processor type Intel

	var params []byte
	params = append(params, buildGroupDef("ANALOG", 2)...)
	params = append(params, buildParamScalarFloat("RATE", 2, float32(rate))...)
	params = append(params, buildLabelsParam("LABELS", 2, 3, []string{"CH1", "CH2"})...)
	params = append(params, buildParamScalarFloat("GEN_SCALE", 2, 1.0)...)
	copy(raw[paramOffset+4:], params)
	raw[paramOffset+4+len(params)] = 0

	// Carry a 30Hz tone (above the default 20Hz high-pass cutoff) so the
	// filtered signal never flattens out, amplitude-modulated by a
	// square envelope so the contraction detector has bursts to find.
	blockLen := 200 // 2s blocks at 100Hz
	pos := dataOffset
	for i := 0; i < numFrames; i++ {
		high := (i/blockLen)%2 == 0
		amp1, amp2 := 150.0, 130.0
		if high {
			amp1, amp2 = 2000.0, 1800.0
		}
		phase := 2 * math.Pi * 30.0 * float64(i) / rate
		v1 := int16(amp1 * math.Sin(phase))
		v2 := int16(amp2 * math.Sin(phase+0.3))
		binary.LittleEndian.PutUint16(raw[pos:pos+2], uint16(v1))
		binary.LittleEndian.PutUint16(raw[pos+2:pos+4], uint16(v2))
		pos += 4
	}

	return raw
}

const blockSizeForTest = 512

func TestProcess_SuccessPathDecodesRealAnalogDataAndCompletesSession(t *testing.T) {
	sessions := newFakeSessionRepo()
	id, _ := sessions.Create(context.Background(), domain.TherapySession{SessionCode: "P042S001", Bucket: "c3d-examples", ObjectPath: "P042/a.c3d", Status: domain.StatusPending})

	raw := buildSyntheticC3D(t, 100.0, 1200)

	repo := &persistence.Repository{
		Sessions:             sessions,
		C3DMetadata:          &fakeC3DMetadataRepo{rows: map[string]domain.C3DTechnicalMetadata{}},
		ProcessingParameters: &fakeProcessingParamsRepo{rows: map[string]domain.ProcessingParameters{}},
		EMGStatistics:        &fakeEMGStatisticsRepo{stats: map[string][]domain.EMGStatistics{}, contractions: map[string][]domain.Contraction{}},
		PerformanceScores:    &fakePerformanceScoreRepo{rows: map[string]domain.PerformanceScore{}},
		ScoringConfigs: &fakeScoringConfigRepo{global: domain.ScoringConfiguration{
			ID:         "global-1",
			Level:      domain.LevelGlobal,
			Main:       domain.Weights{Compliance: 0.4, Symmetry: 0.3, Effort: 0.2, Game: 0.1},
			Sub:        domain.SubWeights{Completion: 0.34, Intensity: 0.33, Duration: 0.33},
			RPEMapping: map[int]float64{0: 0, 10: 1},
		}},
	}
	cacheLayer := cache.New(cache.Config{FastTTL: time.Minute, ProcessingVersion: "1.0.0"}, fakeDurable{})
	brk := breakers.NewManager(breakers.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1})
	pool := worker.New(1, 10, 0)
	cfg := Config{
		Signal:            signal.DefaultParams(),
		Contraction:       contraction.DefaultParams(),
		ExpectedPerMuscle: 12,
		ExpectedBucket:    "c3d-examples",
	}
	p := New(repo, cacheLayer, brk, pool, fakeObjectStore{data: raw}, webhook.Security{}, webhook.PolicyAckIgnore, 5*time.Minute, cfg)

	err := p.Process(context.Background(), id)
	require.NoError(t, err)

	stored := sessions.byID[id]
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	meta := repo.C3DMetadata.(*fakeC3DMetadataRepo).rows[id]
	assert.Equal(t, 2, meta.ChannelCount)
	assert.Equal(t, 100.0, meta.SamplingRateHz)

	stats := repo.EMGStatistics.(*fakeEMGStatisticsRepo).stats[id]
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.NotZero(t, s.RMS)
	}
}

func TestStatus_UnknownSessionCodeReturnsNotFound(t *testing.T) {
	sessions := newFakeSessionRepo()
	repo := &persistence.Repository{Sessions: sessions, PerformanceScores: nil}
	p := &Processor{repo: repo}

	res, err := p.Status(context.Background(), "P999S999")
	require.NoError(t, err)
	assert.False(t, res.Found)
}
