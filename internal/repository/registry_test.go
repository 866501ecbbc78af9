package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// fakeProvider is a configurable in-package Provider.
type fakeProvider struct {
	name     string
	platform string
	hosts    []string
	accept   func(string) bool
	health   func(context.Context) models.ProviderHealthStatus
	clone    func(dest string) (*CloneResult, error)
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) Platform() string    { return f.platform }
func (f *fakeProvider) Hostnames() []string { return f.hosts }
func (f *fakeProvider) CanHandle(u string) bool {
	if f.accept == nil {
		return true
	}
	return f.accept(u)
}
func (f *fakeProvider) Parse(u string) (models.RepositoryReference, error) {
	return parseReference(f.platform, u)
}
func (f *fakeProvider) Clone(_ context.Context, _ string, dest string) (*CloneResult, error) {
	if f.clone != nil {
		return f.clone(dest)
	}
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Metadata(context.Context, string) (*models.RepositoryMetadata, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) LatestRevision(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeProvider) ChangeSummary(context.Context, string, string) (*models.ChangeSummary, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) HealthCheck(ctx context.Context) models.ProviderHealthStatus {
	if f.health != nil {
		return f.health(ctx)
	}
	return models.ProviderHealthStatus{Provider: f.name, IsHealthy: true}
}

func hostIs(host string) func(string) bool {
	return func(u string) bool { return Hostname(u) == host }
}

func TestResolvePrefersHostnameProviderOverWildcard(t *testing.T) {
	reg := NewRegistry(0)
	// Wildcard registered first still loses to the exact hostname match.
	reg.Register(&fakeProvider{name: "wild", platform: PlatformGit})
	reg.Register(&fakeProvider{name: "gh", platform: PlatformGitHub, hosts: []string{"github.com"}, accept: hostIs("github.com")})

	for i := 0; i < 20; i++ {
		p, err := reg.Resolve("https://github.com/acme/api")
		require.NoError(t, err)
		assert.Equal(t, "gh", p.Name())
	}

	p, err := reg.Resolve("https://example.org/acme/api")
	require.NoError(t, err)
	assert.Equal(t, "wild", p.Name())
}

func TestResolveSubstringHostMatch(t *testing.T) {
	reg := NewRegistry(0)
	reg.Register(&fakeProvider{
		name: "ghe", platform: PlatformGitHub, hosts: []string{"github.corp.com"},
		accept: func(u string) bool { return strings.HasSuffix(Hostname(u), "github.corp.com") },
	})

	p, err := reg.Resolve("https://eu.github.corp.com/team/svc")
	require.NoError(t, err)
	assert.Equal(t, "ghe", p.Name())
}

func TestResolveNoProvider(t *testing.T) {
	reg := NewRegistry(0)
	reg.Register(&fakeProvider{name: "gh", platform: PlatformGitHub, hosts: []string{"github.com"}, accept: hostIs("github.com")})

	_, err := reg.Resolve("https://gitlab.com/a/b")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRegisterReplacesSameName(t *testing.T) {
	reg := NewRegistry(0)
	reg.Register(&fakeProvider{name: "p", platform: PlatformGitHub, hosts: []string{"old.example.com"}})
	reg.Register(&fakeProvider{name: "p", platform: PlatformGitLab, hosts: []string{"new.example.com"}})

	assert.Equal(t, 1, reg.Len())
	assert.Empty(t, reg.ByPlatform(PlatformGitHub))
	require.Len(t, reg.ByPlatform(PlatformGitLab), 1)

	reg.mu.RLock()
	_, oldHost := reg.byHost["old.example.com"]
	_, newHost := reg.byHost["new.example.com"]
	reg.mu.RUnlock()
	assert.False(t, oldHost)
	assert.True(t, newHost)
}

func TestUnregisterPrunesIndexes(t *testing.T) {
	reg := NewRegistry(0)
	reg.Register(&fakeProvider{name: "a", platform: PlatformGitHub, hosts: []string{"github.com"}})
	reg.Register(&fakeProvider{name: "b", platform: PlatformGitHub, hosts: []string{"github.com"}})

	require.True(t, reg.Unregister("a"))
	require.False(t, reg.Unregister("a"))
	require.True(t, reg.Unregister("b"))

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	assert.Empty(t, reg.byName)
	assert.Empty(t, reg.byPlatform)
	assert.Empty(t, reg.byHost)
	assert.Empty(t, reg.hostOrder)
}

func TestAvailableProvidersExcludesFailingChecks(t *testing.T) {
	reg := NewRegistry(50 * time.Millisecond)
	reg.Register(&fakeProvider{name: "panics", platform: PlatformGit, health: func(context.Context) models.ProviderHealthStatus {
		panic("boom")
	}})
	reg.Register(&fakeProvider{name: "errors", platform: PlatformGit, health: func(context.Context) models.ProviderHealthStatus {
		return models.ProviderHealthStatus{Provider: "errors", Error: "401"}
	}})
	reg.Register(&fakeProvider{name: "hangs", platform: PlatformGit, health: func(ctx context.Context) models.ProviderHealthStatus {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return models.ProviderHealthStatus{Provider: "hangs", IsHealthy: true}
	}})
	reg.Register(&fakeProvider{name: "ok", platform: PlatformGit})

	available := reg.AvailableProviders(context.Background())
	require.Len(t, available, 1)
	assert.Equal(t, "ok", available[0].Name())

	statuses := reg.HealthStatuses(context.Background())
	require.Len(t, statuses, 4)
	assert.Contains(t, statuses["panics"].Error, "panicked")
	assert.Contains(t, statuses["hangs"].Error, "timed out")
	assert.False(t, statuses["errors"].IsHealthy)
	assert.False(t, statuses["ok"].LastChecked.IsZero())
}
