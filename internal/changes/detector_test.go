package changes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

type stubProvider struct {
	latest       string
	latestErr    error
	summary      *models.ChangeSummary
	summaryErr   error
	summaryCalls int
}

func (s *stubProvider) Name() string          { return "stub" }
func (s *stubProvider) Platform() string      { return repository.PlatformGit }
func (s *stubProvider) Hostnames() []string   { return nil }
func (s *stubProvider) CanHandle(string) bool { return true }
func (s *stubProvider) Parse(string) (models.RepositoryReference, error) {
	return models.RepositoryReference{}, nil
}
func (s *stubProvider) Clone(context.Context, string, string) (*repository.CloneResult, error) {
	return nil, errors.New("unused")
}
func (s *stubProvider) Metadata(context.Context, string) (*models.RepositoryMetadata, error) {
	return nil, errors.New("unused")
}
func (s *stubProvider) LatestRevision(context.Context, string) (string, error) {
	return s.latest, s.latestErr
}
func (s *stubProvider) ChangeSummary(context.Context, string, string) (*models.ChangeSummary, error) {
	s.summaryCalls++
	return s.summary, s.summaryErr
}
func (s *stubProvider) HealthCheck(context.Context) models.ProviderHealthStatus {
	return models.ProviderHealthStatus{Provider: "stub", IsHealthy: true}
}

type resolverFunc func(string) (repository.Provider, error)

func (f resolverFunc) Resolve(u string) (repository.Provider, error) { return f(u) }

func detectorFor(p repository.Provider) *Detector {
	return NewDetector(resolverFunc(func(string) (repository.Provider, error) { return p, nil }))
}

const repoURL = "https://github.com/acme/api"

func TestSameRevisionReportsNoChanges(t *testing.T) {
	p := &stubProvider{latest: "abc123"}
	res := detectorFor(p).HasChangesSince(context.Background(), repoURL, "abc123")

	assert.False(t, res.HasChanges)
	assert.Equal(t, "abc123", res.LastCommitHash)
	assert.Nil(t, res.Summary)
	assert.Empty(t, res.Error)
	assert.Zero(t, p.summaryCalls)
}

func TestUnknownRevisionAlwaysChanged(t *testing.T) {
	for _, known := range []string{"", UnknownRevision} {
		p := &stubProvider{latest: "abc123"}
		res := detectorFor(p).HasChangesSince(context.Background(), repoURL, known)
		assert.True(t, res.HasChanges)
		assert.Equal(t, "abc123", res.LastCommitHash)
		assert.Zero(t, p.summaryCalls)
	}
}

func TestNewRevisionCarriesSummary(t *testing.T) {
	p := &stubProvider{latest: "def456", summary: &models.ChangeSummary{FilesChanged: 2, Additions: 5, Commits: 1}}
	res := detectorFor(p).HasChangesSince(context.Background(), repoURL, "abc123")

	assert.True(t, res.HasChanges)
	assert.Equal(t, "def456", res.LastCommitHash)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.FilesChanged)
}

func TestRevisionNotFoundGivesZeroSummary(t *testing.T) {
	p := &stubProvider{latest: "def456", summaryErr: repository.ErrRevisionNotFound}
	res := detectorFor(p).HasChangesSince(context.Background(), repoURL, "abc123")

	assert.True(t, res.HasChanges)
	require.NotNil(t, res.Summary)
	assert.Equal(t, models.ChangeSummary{}, *res.Summary)
	assert.Empty(t, res.Error)
}

func TestSummaryFailureStillChanged(t *testing.T) {
	p := &stubProvider{latest: "def456", summaryErr: errors.New("502 bad gateway")}
	res := detectorFor(p).HasChangesSince(context.Background(), repoURL, "abc123")

	assert.True(t, res.HasChanges)
	assert.Equal(t, "def456", res.LastCommitHash)
	assert.Contains(t, res.Error, "502")
}

func TestProbeFailureIsAmbiguous(t *testing.T) {
	p := &stubProvider{latestErr: errors.New("timeout")}
	res := detectorFor(p).HasChangesSince(context.Background(), repoURL, "abc123")

	assert.True(t, res.HasChanges)
	assert.True(t, strings.HasPrefix(res.Error, AmbiguousPrefix), res.Error)
}

func TestUnresolvableProviderIsAmbiguous(t *testing.T) {
	d := NewDetector(resolverFunc(func(u string) (repository.Provider, error) {
		return nil, repository.ErrProviderUnavailable
	}))
	res := d.HasChangesSince(context.Background(), repoURL, "abc123")

	assert.True(t, res.HasChanges)
	assert.Contains(t, res.Error, AmbiguousPrefix)
}
