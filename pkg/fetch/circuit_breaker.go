package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerFetcher wraps a Downloader with one circuit breaker per host.
type BreakerFetcher struct {
	next      Downloader
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

// NewBreakerFetcher trips a host's breaker after threshold consecutive failures.
func NewBreakerFetcher(next Downloader, threshold int64) *BreakerFetcher {
	if threshold <= 0 {
		threshold = 5
	}
	return &BreakerFetcher{
		next:      next,
		threshold: threshold,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (b *BreakerFetcher) breaker(host string) *circuit.Breaker {
	b.mu.RLock()
	breaker, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if breaker, ok := b.breakers[host]; ok {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(b.threshold),
	})
	b.breakers[host] = breaker
	return breaker
}

// Fetch fails fast while the host's breaker is open. A missing archive does
// not count as a host failure.
func (b *BreakerFetcher) Fetch(ctx context.Context, fetchURL string) (*Archive, error) {
	host := hostOf(fetchURL)
	breaker := b.breaker(host)
	if !breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var archive *Archive
	var final error
	err := breaker.Call(func() error {
		var fetchErr error
		archive, fetchErr = b.next.Fetch(ctx, fetchURL)
		if errors.Is(fetchErr, ErrNotFound) {
			final = fetchErr
			return nil
		}
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	if final != nil {
		return nil, final
	}
	return archive, nil
}

// Tripped reports whether the breaker for the URL's host is open.
func (b *BreakerFetcher) Tripped(rawURL string) bool {
	return b.breaker(hostOf(rawURL)).Tripped()
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
