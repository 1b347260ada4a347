package pipeline

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/connector/destinations/duckdb"
	"github.com/ajitpratap0/duckbridge/pkg/testutil"
)

type DuckDBPipelineSuite struct {
	testutil.IntegrationTestSuite
}

func TestDuckDBPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(DuckDBPipelineSuite))
}

func (s *DuckDBPipelineSuite) runOnce(src *testutil.FakeSource) Summary {
	ctx := s.Context()
	cfg := testConfig()
	cfg.BatchSize = 7

	engine, err := duckdb.Open(ctx, s.Path("bridge.duckdb"), 3, testutil.TestLogger(s.T()))
	s.Require().NoError(err)
	defer engine.Close()

	store, err := checkpoint.Open(s.Path("bridge.ckpt"), "checkpoints")
	s.Require().NoError(err)
	defer store.Close()

	c, err := New(cfg, Options{
		Source:      src,
		Engine:      engine,
		Checkpoints: store,
		Logger:      testutil.TestLogger(s.T()),
	})
	s.Require().NoError(err)
	s.Require().NoError(c.Start(ctx))
	s.Require().NoError(c.Wait(ctx))
	s.Equal(StateStopped, c.State())
	return c.Summary()
}

func (s *DuckDBPipelineSuite) count() int64 {
	engine, err := duckdb.Open(s.Context(), s.Path("bridge.duckdb"), 3, testutil.TestLogger(s.T()))
	s.Require().NoError(err)
	defer engine.Close()
	n, err := engine.Count(s.Context(), "events")
	s.Require().NoError(err)
	return n
}

func (s *DuckDBPipelineSuite) TestLandsAndResumes() {
	src := testutil.NewFakeSource(docs(30)...)

	sum := s.runOnce(src)
	s.Equal(uint64(30), sum.RowsLanded)
	s.Equal(uint64(5), sum.LastCommittedSeq)
	s.Equal(int64(30), s.count())

	src.Append(docs(35)[30:]...)
	sum = s.runOnce(src)
	s.Equal(uint64(5), sum.ResumedFromSeq)
	s.Equal(uint64(5), sum.RecordsRead)
	s.Equal(uint64(6), sum.LastCommittedSeq)
	s.Equal(int64(35), s.count())
}

func (s *DuckDBPipelineSuite) TestStoresTypedValues() {
	s.runOnce(testutil.NewFakeSource(
		testutil.Doc("id", 1, "name", "ada", "score", 2.5),
		testutil.Doc("id", 2),
	))

	engine, err := duckdb.Open(s.Context(), s.Path("bridge.duckdb"), 3, testutil.TestLogger(s.T()))
	s.Require().NoError(err)
	defer engine.Close()

	var (
		name  *string
		score *float64
	)
	row := engine.DB().QueryRowContext(s.Context(), `SELECT name, score FROM events WHERE id = 1`)
	s.Require().NoError(row.Scan(&name, &score))
	s.Require().NotNil(name)
	s.Equal("ada", *name)
	s.Equal(2.5, *score)

	row = engine.DB().QueryRowContext(s.Context(), `SELECT name, score FROM events WHERE id = 2`)
	s.Require().NoError(row.Scan(&name, &score))
	s.Nil(name)
	s.Nil(score)
}
