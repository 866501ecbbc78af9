// Package changes decides whether a repository moved since a known revision.
package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// UnknownRevision marks a record whose revision could not be determined.
const UnknownRevision = "unknown"

// AmbiguousPrefix tags the Error of a result that defaulted to "changed"
// because the provider could not answer.
const AmbiguousPrefix = "ChangeDetectionAmbiguous"

// Resolver finds the provider responsible for a repository URL.
type Resolver interface {
	Resolve(repoURL string) (repository.Provider, error)
}

// Detector compares a known revision with the provider's current one.
// It fails open: any doubt yields HasChanges=true.
type Detector struct {
	providers Resolver
}

// NewDetector creates a Detector backed by providers.
func NewDetector(providers Resolver) *Detector {
	return &Detector{providers: providers}
}

// HasChangesSince reports whether repoURL changed since knownRevision.
func (d *Detector) HasChangesSince(ctx context.Context, repoURL, knownRevision string) models.ChangeDetectionResult {
	p, err := d.providers.Resolve(repoURL)
	if err != nil {
		return ambiguous(fmt.Errorf("resolving provider: %w", err))
	}

	latest, err := p.LatestRevision(ctx, repoURL)
	if err != nil {
		slog.Warn("Revision probe failed; assuming changes", "repo", repoURL, "provider", p.Name(), "error", err)
		return ambiguous(fmt.Errorf("probing latest revision: %w", err))
	}

	if knownRevision == "" || knownRevision == UnknownRevision {
		return models.ChangeDetectionResult{HasChanges: true, LastCommitHash: latest}
	}
	if latest == knownRevision {
		return models.ChangeDetectionResult{HasChanges: false, LastCommitHash: latest}
	}

	summary, err := p.ChangeSummary(ctx, repoURL, knownRevision)
	switch {
	case errors.Is(err, repository.ErrRevisionNotFound):
		slog.Info("Known revision no longer in history", "repo", repoURL, "revision", knownRevision)
		return models.ChangeDetectionResult{HasChanges: true, LastCommitHash: latest, Summary: &models.ChangeSummary{}}
	case err != nil:
		return models.ChangeDetectionResult{
			HasChanges:     true,
			LastCommitHash: latest,
			Error:          fmt.Sprintf("computing change summary: %v", err),
		}
	}
	return models.ChangeDetectionResult{HasChanges: true, LastCommitHash: latest, Summary: summary}
}

func ambiguous(err error) models.ChangeDetectionResult {
	return models.ChangeDetectionResult{
		HasChanges: true,
		Error:      fmt.Sprintf("%s: %v", AmbiguousPrefix, err),
	}
}
