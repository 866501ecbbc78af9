package repository

import (
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

// NewRegistryFromConfig registers one provider per configured platform
// account. The generic git provider is registered last so that platform
// providers win the CanHandle fallback.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry(config.Duration(cfg.Providers.HealthTimeout, defaultHealthTimeout))
	rps := cfg.Providers.RequestsPerSecond

	for _, gh := range cfg.Git.GitHub {
		p, err := NewGitHub(gh, rps)
		if err != nil {
			return nil, fmt.Errorf("github provider %q: %w", gh.Host, err)
		}
		reg.Register(p)
	}
	for _, gl := range cfg.Git.GitLab {
		p, err := NewGitLab(gl, rps)
		if err != nil {
			return nil, fmt.Errorf("gitlab provider %q: %w", gl.Host, err)
		}
		reg.Register(p)
	}
	for _, az := range cfg.Git.Azure {
		p, err := NewAzureDevOps(az, rps)
		if err != nil {
			return nil, fmt.Errorf("azure provider %q: %w", az.Org, err)
		}
		reg.Register(p)
	}

	// Public github.com is always reachable anonymously.
	if _, ok := reg.Get("github"); !ok {
		p, err := NewGitHub(config.GitHubConfig{}, rps)
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}
	if !cfg.Git.Generic.Disabled {
		reg.Register(NewGenericGit(cfg.Git.Generic))
	}

	slog.Debug("Provider registry ready", "providers", reg.Len())
	return reg, nil
}
