package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

const defaultHealthTimeout = 5 * time.Second

// Registry resolves repository URLs to providers. Providers are indexed by
// name, by platform and by every hostname they claim.
type Registry struct {
	mu         sync.RWMutex
	order      []string // names in registration order
	byName     map[string]Provider
	byPlatform map[string][]Provider
	byHost     map[string][]Provider
	hostOrder  []string

	healthTimeout time.Duration
}

// NewRegistry creates an empty Registry. healthTimeout bounds each provider's
// health check; zero selects the default.
func NewRegistry(healthTimeout time.Duration) *Registry {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Registry{
		byName:        make(map[string]Provider),
		byPlatform:    make(map[string][]Provider),
		byHost:        make(map[string][]Provider),
		healthTimeout: healthTimeout,
	}
}

// Register adds p to all indexes. A provider with the same name replaces the
// previous one everywhere.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.byName[name]; exists {
		r.removeLocked(name)
	}
	r.byName[name] = p
	r.order = append(r.order, name)

	platform := p.Platform()
	r.byPlatform[platform] = append(r.byPlatform[platform], p)

	for _, h := range p.Hostnames() {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := r.byHost[h]; !ok {
			r.hostOrder = append(r.hostOrder, h)
		}
		r.byHost[h] = append(r.byHost[h], p)
	}
	slog.Debug("Registered provider", "name", name, "platform", platform, "hostnames", p.Hostnames())
}

// Unregister removes the named provider from every index. It reports whether
// the provider was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return false
	}
	r.removeLocked(name)
	return true
}

func (r *Registry) removeLocked(name string) {
	delete(r.byName, name)
	r.order = removeString(r.order, name)

	for platform, list := range r.byPlatform {
		list = withoutProvider(list, name)
		if len(list) == 0 {
			delete(r.byPlatform, platform)
		} else {
			r.byPlatform[platform] = list
		}
	}
	for host, list := range r.byHost {
		list = withoutProvider(list, name)
		if len(list) == 0 {
			delete(r.byHost, host)
			r.hostOrder = removeString(r.hostOrder, host)
		} else {
			r.byHost[host] = list
		}
	}
}

// Resolve returns the best provider for repoURL. Exact hostname matches win,
// then partial hostname matches, then any provider whose CanHandle accepts
// the URL. ErrProviderUnavailable is returned when nothing matches.
func (r *Registry) Resolve(repoURL string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host := Hostname(repoURL)

	if host != "" {
		for _, p := range r.byHost[host] {
			if p.CanHandle(repoURL) {
				return p, nil
			}
		}
		for _, h := range r.hostOrder {
			if h == host || !(strings.Contains(h, host) || strings.Contains(host, h)) {
				continue
			}
			for _, p := range r.byHost[h] {
				if p.CanHandle(repoURL) {
					return p, nil
				}
			}
		}
	}

	for _, name := range r.order {
		if p := r.byName[name]; p.CanHandle(repoURL) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, repoURL)
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Providers returns all providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// ByPlatform returns the providers registered for platform.
func (r *Registry) ByPlatform(platform string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.byPlatform[platform]...)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// HealthStatuses runs every provider's health check concurrently. A check
// that panics, fails or outlives the per-provider timeout yields an
// unhealthy status for that provider only.
func (r *Registry) HealthStatuses(ctx context.Context) map[string]models.ProviderHealthStatus {
	providers := r.Providers()
	out := make(map[string]models.ProviderHealthStatus, len(providers))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			st := r.checkOne(ctx, p)
			mu.Lock()
			out[p.Name()] = st
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out
}

// AvailableProviders returns the healthy providers in registration order.
func (r *Registry) AvailableProviders(ctx context.Context) []Provider {
	statuses := r.HealthStatuses(ctx)
	var out []Provider
	for _, p := range r.Providers() {
		if st, ok := statuses[p.Name()]; ok && st.IsHealthy {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) checkOne(ctx context.Context, p Provider) models.ProviderHealthStatus {
	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan models.ProviderHealthStatus, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Warn("Provider health check panicked", "provider", p.Name(), "panic", rec)
				done <- unhealthy(p.Name(), start, fmt.Sprintf("health check panicked: %v", rec))
			}
		}()
		done <- p.HealthCheck(ctx)
	}()

	select {
	case st := <-done:
		if st.Provider == "" {
			st.Provider = p.Name()
		}
		if st.LastChecked.IsZero() {
			st.LastChecked = time.Now()
		}
		if st.ResponseTime == 0 {
			st.ResponseTime = time.Since(start)
		}
		return st
	case <-ctx.Done():
		slog.Warn("Provider health check timed out", "provider", p.Name(), "timeout", r.healthTimeout)
		return unhealthy(p.Name(), start, "health check timed out: "+ctx.Err().Error())
	}
}

func unhealthy(name string, start time.Time, msg string) models.ProviderHealthStatus {
	return models.ProviderHealthStatus{
		Provider:     name,
		IsHealthy:    false,
		ResponseTime: time.Since(start),
		LastChecked:  time.Now(),
		Error:        msg,
	}
}

func withoutProvider(list []Provider, name string) []Provider {
	out := list[:0:0]
	for _, p := range list {
		if p.Name() != name {
			out = append(out, p)
		}
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
