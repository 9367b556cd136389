package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kenneth/credential-gateway/internal/cache"
	"github.com/kenneth/credential-gateway/internal/metrics"
)

const (
	// DefaultRefreshBuffer renews leases this long before they expire.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultProbeTimeout bounds one acquisition attempt.
	DefaultProbeTimeout = 3 * time.Second
)

// Options configures a Resolver.
type Options struct {
	RefreshBuffer time.Duration
	ProbeTimeout  time.Duration
	MaxLeases     int
	Clock         clock.Clock
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// Resolver picks the source for a platform and caches its leases.
type Resolver struct {
	sources map[string]Source
	leases  *cache.Cache[*Lease]
	group   singleflight.Group
	opts    Options
}

// NewResolver creates a resolver over sources. At most one source may serve
// a platform.
func NewResolver(sources []Source, opts Options) (*Resolver, error) {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	byPlatform := make(map[string]Source, len(sources))
	for _, s := range sources {
		if _, dup := byPlatform[s.Platform()]; dup {
			return nil, fmt.Errorf("more than one workload identity source for platform %s", s.Platform())
		}
		byPlatform[s.Platform()] = s
	}
	return &Resolver{
		sources: byPlatform,
		leases:  cache.New[*Lease](opts.MaxLeases, opts.RefreshBuffer, opts.Clock),
		opts:    opts,
	}, nil
}

// Platforms lists the platforms with a configured source.
func (r *Resolver) Platforms() []string {
	out := make([]string, 0, len(r.sources))
	for p := range r.sources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func leaseKey(platform, resource string) string {
	return platform + "|" + resource
}

func (r *Resolver) record(platform, result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordWorkloadResolution(platform, result)
	}
}

// Resolve returns a lease for platform and resource, or false when no
// workload identity is available. Failures are never returned: outside a
// matching environment their absence is the expected outcome.
func (r *Resolver) Resolve(ctx context.Context, platform, resource string) (*Lease, bool) {
	src, ok := r.sources[platform]
	if !ok {
		return nil, false
	}

	key := leaseKey(platform, resource)
	if lease, ok := r.leases.Get(key); ok {
		r.record(platform, "cached")
		return lease, true
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if lease, ok := r.leases.Get(key); ok {
			return lease, nil
		}
		pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		defer cancel()

		lease, err := src.Acquire(pctx, resource)
		if err != nil {
			return nil, err
		}
		if !r.leases.Set(key, lease, lease.ExpiresAt) {
			r.opts.Logger.WithFields(logrus.Fields{
				"platform":   platform,
				"expires_at": lease.ExpiresAt,
			}).Debug("Workload identity lease expires within the refresh buffer; not cached")
		}
		return lease, nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrUnavailable) {
			result = "unavailable"
		}
		r.record(platform, result)
		r.opts.Logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err.Error(),
		}).Debug("Workload identity not available")
		return nil, false
	}

	lease := v.(*Lease)
	if !r.opts.Clock.Now().Before(lease.ExpiresAt) {
		r.record(platform, "expired")
		return nil, false
	}
	r.record(platform, "acquired")
	return lease, true
}

// ShouldFallBack reports whether the caller has to use stored credentials
// for platform.
func (r *Resolver) ShouldFallBack(ctx context.Context, platform, resource string) bool {
	_, ok := r.Resolve(ctx, platform, resource)
	return !ok
}

// Invalidate drops a cached lease, e.g. after the platform rejected it.
func (r *Resolver) Invalidate(platform, resource string) {
	r.leases.Delete(leaseKey(platform, resource))
}

// Prune drops leases that are due for renewal.
func (r *Resolver) Prune() int {
	return r.leases.Prune()
}
