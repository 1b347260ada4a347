package testutil

import (
	"context"
	"path/filepath"
	"time"

	"github.com/stretchr/testify/suite"
)

// IntegrationTestSuite provides a context and a scratch directory to
// suites that run a pipeline against real embedded stores.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	s.startTime = time.Now()
}

// SetupTest gives every test its own scratch directory.
func (s *IntegrationTestSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()
	s.T().Logf("integration suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// Path returns name inside the test's scratch directory.
func (s *IntegrationTestSuite) Path(name string) string {
	return filepath.Join(s.tempDir, name)
}
