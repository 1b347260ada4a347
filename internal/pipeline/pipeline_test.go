package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/ngram"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
	"github.com/ajitpratap0/duckbridge/pkg/testutil"
)

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Name = "pipeline-test"
	cfg.BatchSize = 4
	cfg.QueueCapacity = 2
	cfg.FlushIntervalMs = 200
	cfg.MaxRetries = 3
	cfg.BackoffBaseMs = 1
	cfg.BackoffMaxMs = 5
	cfg.PushTimeoutMs = 50
	cfg.PopTimeoutMs = 10
	cfg.CommitTimeoutMs = 1000
	cfg.ReadTimeoutMs = 10
	cfg.OnTypeMismatch = schema.PolicyNullAndLog
	cfg.Schema = schema.Table{
		Name: "events",
		Key:  []string{"id"},
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigInt},
			{Name: "name", Type: schema.TypeVarchar, Nullable: true},
			{Name: "score", Type: schema.TypeDouble, Nullable: true},
		},
	}
	return cfg
}

func docs(n int) []models.Document {
	out := make([]models.Document, n)
	for i := range out {
		out[i] = testutil.Doc("id", i, "name", fmt.Sprintf("n%d", i), "score", float64(i))
	}
	return out
}

type harness struct {
	cfg    *config.Config
	source *testutil.FakeSource
	engine *testutil.FakeEngine
	store  checkpoint.Store
	opts   Options
}

func newHarness(t *testing.T, cfg *config.Config, src *testutil.FakeSource) *harness {
	return &harness{
		cfg:    cfg,
		source: src,
		engine: testutil.NewFakeEngine(),
		store:  checkpoint.NewMemoryStore(),
		opts:   Options{Logger: testutil.TestLogger(t)},
	}
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	opts := h.opts
	opts.Source = h.source
	opts.Engine = h.engine
	opts.Checkpoints = h.store
	c, err := New(h.cfg, opts)
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T) (*Coordinator, Summary) {
	t.Helper()
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	c := h.coordinator(t)
	require.NoError(t, c.Start(ctx))
	_ = c.Wait(ctx)
	return c, c.Summary()
}

func TestPipelineLandsEveryDocument(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource(docs(10)...))
	c, sum := h.run(t)

	require.NoError(t, c.Err())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 10, h.engine.Count("events"))
	assert.Equal(t, uint64(10), sum.RecordsRead)
	assert.Equal(t, uint64(10), sum.RowsLanded)
	assert.Equal(t, uint64(3), sum.BatchesCommitted)
	assert.Equal(t, uint64(3), sum.LastCommittedSeq)

	cp, found, err := h.store.Load(context.Background(), "pipeline-test")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), cp.Seq)
	assert.Equal(t, "9", string(cp.Position))
	assert.Equal(t, uint64(10), cp.Rows)

	row, ok := h.engine.Lookup("events", int64(7))
	require.True(t, ok)
	assert.Equal(t, schema.Row{int64(7), "n7", 7.0}, row)
}

func TestPipelineCommitsInSealOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	h := newHarness(t, cfg, testutil.NewFakeSource(docs(25)...))
	_, sum := h.run(t)

	committed := h.engine.Committed()
	require.Len(t, committed, 25)
	for i, rows := range committed {
		require.Len(t, rows, 1)
		assert.Equal(t, int64(i), rows[0][0])
	}
	assert.Equal(t, uint64(25), sum.LastCommittedSeq)
}

func TestPipelineLastWriteWins(t *testing.T) {
	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "name", "first"),
		testutil.Doc("id", 2, "name", "other"),
		testutil.Doc("id", 1, "name", "first"),
		testutil.Doc("id", 1, "name", "second"),
	)
	h := newHarness(t, testConfig(), src)
	_, sum := h.run(t)

	row, ok := h.engine.Lookup("events", int64(1))
	require.True(t, ok)
	assert.Equal(t, "second", row[1])
	assert.Equal(t, 2, h.engine.Count("events"))
	assert.Equal(t, uint64(1), sum.RecordsSuppressed)
}

func TestPipelineLastWriteAcrossBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "name", "first"),
		testutil.Doc("id", 1, "name", "second"),
	)
	h := newHarness(t, cfg, src)
	h.run(t)

	row, ok := h.engine.Lookup("events", int64(1))
	require.True(t, ok)
	assert.Equal(t, "second", row[1])
	assert.Len(t, h.engine.Committed(), 2)
}

func TestPipelineMerge(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.DedupMode = config.DedupMerge
	cfg.MergeFunction = config.MergeSum
	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "score", 1.5),
		testutil.Doc("id", 2, "score", 10.0),
		testutil.Doc("id", 1, "score", 2.0),
	)
	h := newHarness(t, cfg, src)
	c, _ := h.run(t)
	require.NoError(t, c.Err())

	row, ok := h.engine.Lookup("events", int64(1))
	require.True(t, ok)
	assert.Equal(t, 3.5, row[2])
	assert.Equal(t, 2, h.engine.Count("events"))
}

func TestPipelineMergeResumeRebuildsTotals(t *testing.T) {
	cfg := testConfig()
	cfg.DedupMode = config.DedupMerge
	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "score", 1.0),
		testutil.Doc("id", 1, "score", 2.0),
	)
	h := newHarness(t, cfg, src)
	h.run(t)
	_, sum := h.run(t)

	assert.Equal(t, uint64(1), sum.ResumedFromSeq)
	assert.Equal(t, uint64(2), sum.RecordsRead, "merge runs replay from the origin")
	row, ok := h.engine.Lookup("events", int64(1))
	require.True(t, ok)
	assert.Equal(t, 3.0, row[2], "totals must not double on resume")
	assert.Equal(t, 1, h.engine.Count("events"))
}

func tenWithBadFifth() *testutil.FakeSource {
	d := docs(10)
	d[4] = testutil.Doc("id", "four", "name", "bad")
	return testutil.NewFakeSource(d...)
}

func TestPipelinePartialFailureNullAndLog(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	h := newHarness(t, cfg, tenWithBadFifth())
	c, sum := h.run(t)

	require.NoError(t, c.Err())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 9, h.engine.Count("events"))
	assert.Equal(t, uint64(1), sum.RecordsRejected)
	require.Len(t, sum.Rejections, 1)
	assert.Equal(t, 4, sum.Rejections[0].Index)
	assert.Equal(t, "id", sum.Rejections[0].Field)
	assert.Equal(t, uint64(1), sum.Rejections[0].Seq)
}

func TestPipelinePartialFailureRejectBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.OnTypeMismatch = schema.PolicyRejectBatch
	h := newHarness(t, cfg, tenWithBadFifth())
	c, sum := h.run(t)

	assert.Equal(t, StateFailed, c.State())
	assert.True(t, errors.IsType(c.Err(), errors.ErrorTypeFatal))
	assert.True(t, errors.HasType(c.Err(), errors.ErrorTypeSchemaViolation))
	assert.Equal(t, 0, h.engine.Count("events"))
	assert.Equal(t, uint64(1), sum.RecordsRejected)
	assert.Equal(t, "fatal", sum.ErrorType)

	_, found, err := h.store.Load(context.Background(), "pipeline-test")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPipelineRetriesFailedCommits(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource(docs(6)...))
	h.engine.FailCommits(2)
	c, sum := h.run(t)

	require.NoError(t, c.Err())
	assert.Equal(t, 6, h.engine.Count("events"))
	assert.Equal(t, uint64(2), sum.Retries)
	assert.Equal(t, 2, h.engine.Rollbacks())
}

func TestPipelineEscalatesExhaustedCommits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, testutil.NewFakeSource(docs(6)...))
	h.engine.FailCommits(1000)
	c, sum := h.run(t)

	assert.Equal(t, StateFailed, c.State())
	assert.True(t, errors.IsType(c.Err(), errors.ErrorTypeFatal))
	assert.True(t, errors.HasType(c.Err(), errors.ErrorTypeTransactionFailure))
	assert.Equal(t, 0, h.engine.Count("events"))
	assert.Equal(t, 3, h.engine.Rollbacks())
	assert.Equal(t, uint64(0), sum.BatchesCommitted)
}

func TestPipelineReopensSourceAfterTransientFailure(t *testing.T) {
	src := testutil.NewFakeSource(docs(10)...)
	src.FailAt(5, 2)
	h := newHarness(t, testConfig(), src)
	c, sum := h.run(t)

	require.NoError(t, c.Err())
	assert.Equal(t, 10, h.engine.Count("events"))
	assert.Equal(t, uint64(10), sum.RecordsRead, "reopened cursor resumes after the last document")
	assert.Equal(t, 3, src.Opens())
}

func TestPipelineFailsWhenSourceRetriesRunOut(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	src := testutil.NewFakeSource(docs(10)...)
	src.FailAt(5, 100)
	h := newHarness(t, cfg, src)
	c, _ := h.run(t)

	assert.Equal(t, StateFailed, c.State())
	assert.True(t, errors.HasType(c.Err(), errors.ErrorTypeTransientIO))
	// batches sealed before the failure are still drained
	assert.Equal(t, 4, h.engine.Count("events"))
}

func TestPipelineDrainsOnStop(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.QueueCapacity = 2
	cfg.CommitTimeoutMs = 30000
	src := testutil.NewFakeSource(docs(20)...).Live()
	h := newHarness(t, cfg, src)
	h.engine.Pause()

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	c := h.coordinator(t)
	require.NoError(t, c.Start(ctx))

	testutil.AssertEventually(t, func() bool { return c.ch.Len() == cfg.QueueCapacity }, 5*time.Second,
		"channel never filled up")

	c.Stop()
	assert.Equal(t, StateDraining, c.State())
	h.engine.Resume()

	require.NoError(t, c.Wait(ctx))
	sum := c.Summary()
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, int(sum.RecordsRead), h.engine.Count("events"), "every batch read before the stop is committed")
	assert.Greater(t, sum.BatchesCommitted, uint64(cfg.QueueCapacity))
	assert.Zero(t, c.ch.Len())
}

func TestPipelineStopOnIdleLiveSource(t *testing.T) {
	src := testutil.NewFakeSource(docs(3)...).Live()
	h := newHarness(t, testConfig(), src)

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	c := h.coordinator(t)
	require.NoError(t, c.Start(ctx))

	// the idle flush lands the partial batch without a stop
	testutil.AssertEventually(t, func() bool { return h.engine.Count("events") == 3 }, 5*time.Second,
		"idle batch was not flushed")
	assert.Equal(t, StateRunning, c.State())

	src.Append(testutil.Doc("id", 3))
	testutil.AssertEventually(t, func() bool { return h.engine.Count("events") == 4 }, 5*time.Second,
		"appended document was not landed")

	c.Stop()
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, StateStopped, c.State())
}

// failingStore loses the checkpoint write of one batch, as if the process
// died between commit and checkpoint.
type failingStore struct {
	checkpoint.Store
	failSeq uint64
}

func (s *failingStore) Save(ctx context.Context, pipeline string, cp checkpoint.Checkpoint) error {
	if cp.Seq == s.failSeq {
		s.failSeq = 0
		return errors.New(errors.ErrorTypeData, "simulated crash before checkpoint")
	}
	return s.Store.Save(ctx, pipeline, cp)
}

func TestPipelineResumeIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	h := newHarness(t, cfg, testutil.NewFakeSource(docs(9)...))
	h.store = &failingStore{Store: checkpoint.NewMemoryStore(), failSeq: 2}

	c, _ := h.run(t)
	require.Equal(t, StateFailed, c.State())
	assert.Equal(t, 6, h.engine.Count("events"), "batch 2 committed before the crash")

	c, sum := h.run(t)
	require.NoError(t, c.Err())
	assert.Equal(t, uint64(1), sum.ResumedFromSeq)
	assert.Equal(t, uint64(6), sum.RecordsRead, "resumes after the checkpointed position")
	assert.Equal(t, 9, h.engine.Count("events"), "re-landed batch must not duplicate rows")
	assert.Equal(t, uint64(3), sum.LastCommittedSeq)
}

func TestPipelineResumeAfterCompletedRun(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource(docs(5)...))
	h.run(t)
	commits := h.engine.Commits()

	c, sum := h.run(t)
	require.NoError(t, c.Err())
	assert.Zero(t, sum.RecordsRead)
	assert.Equal(t, commits, h.engine.Commits())
	assert.Equal(t, 5, h.engine.Count("events"))
}

func TestPipelineFiltersExcludedDocuments(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Exclude = []config.Exclusion{{Path: "author.name", Values: []interface{}{"bot"}}}
	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "author", testutil.Doc("name", "human")),
		testutil.Doc("id", 2, "author", testutil.Doc("name", "bot")),
	)
	h := newHarness(t, cfg, src)
	_, sum := h.run(t)

	assert.Equal(t, 1, h.engine.Count("events"))
	assert.Equal(t, uint64(1), sum.RecordsFiltered)
}

func TestPipelineExpandsNgrams(t *testing.T) {
	cfg := testConfig()
	cfg.DedupMode = config.DedupMerge
	cfg.BatchSize = 100
	cfg.Schema = ngram.Table("ngrams")
	cfg.Ngram = config.NgramConfig{Enabled: true, TextField: "content", TimeField: "ts", MaxWidth: 2, Epoch: "2017-01"}
	march := time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC)

	src := testutil.NewFakeSource(
		testutil.Doc("id", 1, "content", "a b", "ts", march),
		testutil.Doc("id", 2, "content", "a", "ts", march),
	)
	h := newHarness(t, cfg, src)
	exp, err := ngram.NewExpander(cfg.Ngram)
	require.NoError(t, err)
	h.opts.Expander = exp

	c, _ := h.run(t)
	require.NoError(t, c.Err())
	assert.Equal(t, 3, h.engine.Count("ngrams"))

	row, ok := h.engine.Lookup("ngrams", "a", int64(1), int64(2))
	require.True(t, ok)
	assert.Equal(t, int64(2), row[3])
	row, ok = h.engine.Lookup("ngrams", "a b", int64(2), int64(2))
	require.True(t, ok)
	assert.Equal(t, int64(1), row[3])
}

func TestCoordinatorRunsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource(docs(1)...))
	c, _ := h.run(t)
	require.Equal(t, StateStopped, c.State())

	err := c.Start(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvariantViolation))
	assert.Equal(t, StateStopped, c.State())
}

func TestCoordinatorStopBeforeStartIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource(docs(6)...))
	c := h.coordinator(t)
	c.Stop()
	assert.Equal(t, StateIdle, c.State())

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, StateStopped, c.State())
	// the stop request was dropped, so the whole source landed
	assert.Equal(t, 6, h.engine.Count("events"))
	assert.Equal(t, uint64(6), c.Summary().RecordsRead)
}

func TestPipelineStopDuringSourceBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBaseMs = 10000
	cfg.BackoffMaxMs = 10000
	src := testutil.NewFakeSource(docs(10)...)
	src.FailAt(6, 1)
	h := newHarness(t, cfg, src)

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	c := h.coordinator(t)
	require.NoError(t, c.Start(ctx))

	testutil.AssertEventually(t, func() bool { return c.Summary().Retries == 1 }, 5*time.Second,
		"reader never started backing off")
	c.Stop()
	require.NoError(t, c.Wait(ctx))

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, src.Opens())
	// the open batch holding documents 4 and 5 is sealed on the way out
	assert.Equal(t, 6, h.engine.Count("events"))
}

func TestCoordinatorFailsOnPrepare(t *testing.T) {
	h := newHarness(t, testConfig(), testutil.NewFakeSource())
	c := h.coordinator(t)
	c.opts.Engine = prepareFails{h.engine}

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
	<-c.Done()
}

type prepareFails struct{ *testutil.FakeEngine }

func (prepareFails) Prepare(context.Context, string, []schema.Column, []string) error {
	return errors.New(errors.ErrorTypeConfig, "no such schema")
}

var _ core.Engine = prepareFails{}

func TestCoordinatorLogsInvariantStack(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, testConfig(), testutil.NewFakeSource())
	h.opts.Logger = zap.New(obs)
	c := h.coordinator(t)

	assert.Panics(t, func() {
		defer c.reportPanic("reader")
		errors.Invariant("two producers")
	})
	entries := logs.FilterMessage("invariant violated").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "reader", fields["stage"])
	assert.Contains(t, fields["stack"], "TestCoordinatorLogsInvariantStack")

	// other panics pass through unlogged
	assert.Panics(t, func() {
		defer c.reportPanic("writer")
		panic("boom")
	})
	assert.Equal(t, 1, logs.FilterMessage("invariant violated").Len())
}

func TestStateStrings(t *testing.T) {
	for s, name := range map[State]string{
		StateIdle: "idle", StateRunning: "running", StateDraining: "draining",
		StateStopped: "stopped", StateFailed: "failed",
	} {
		assert.Equal(t, name, s.String())
	}
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDraining.Terminal())
}
