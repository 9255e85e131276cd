package endpoint

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

const probeTimeout = 3 * time.Second

// Resolver probes both base endpoints and picks whichever answers first.
// The result is cached for the process lifetime and written to the Store.
type Resolver struct {
	endpoints Endpoints
	store     Store
	client    *http.Client

	mu       sync.Mutex
	resolved bool
	region   Region
}

// NewResolver creates a Resolver over the given endpoints and preference store.
func NewResolver(endpoints Endpoints, store Store) *Resolver {
	return &Resolver{
		endpoints: endpoints,
		store:     store,
		client:    &http.Client{Timeout: probeTimeout},
	}
}

// Resolve returns the reachable region. Both endpoints are probed
// concurrently with GET /ping; the first 2xx wins. If neither responds the
// previously persisted choice is returned, or Primary as the hard default.
// The first successful resolution is cached; later calls return it directly.
func (r *Resolver) Resolve(ctx context.Context) Region {
	r.mu.Lock()
	if r.resolved {
		region := r.region
		r.mu.Unlock()
		return region
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	results := make(chan Region, 2)
	for _, region := range []Region{Primary, Secondary} {
		go func(reg Region) {
			if r.probe(ctx, r.endpoints.REST(reg)) {
				results <- reg
			}
		}(region)
	}

	var chosen Region
	select {
	case chosen = <-results:
		log.Printf("[endpoint] probe resolved to %s", chosen)
	case <-ctx.Done():
		if persisted, ok := r.store.Load(context.Background()); ok {
			chosen = persisted
			log.Printf("[endpoint] probes timed out, using persisted preference %s", chosen)
		} else {
			chosen = Primary
			log.Printf("[endpoint] probes timed out, no persisted preference, defaulting to %s", chosen)
		}
	}

	r.commit(chosen)
	return chosen
}

// Confirm records a region as confirmed-good (a socket reached OPEN against
// it) and persists it. Overrides any earlier cached resolution.
func (r *Resolver) Confirm(region Region) {
	r.commit(region)
}

// Prefer flips the in-process choice without writing the store. Used for a
// speculative failover; the store only learns a region once a connection
// against it is confirmed.
func (r *Resolver) Prefer(region Region) {
	r.mu.Lock()
	r.resolved = true
	r.region = region
	r.mu.Unlock()
}

// Current returns the cached region, or Primary if Resolve has not run yet.
func (r *Resolver) Current() Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region
}

// Endpoints returns the configured endpoint set.
func (r *Resolver) Endpoints() Endpoints {
	return r.endpoints
}

func (r *Resolver) commit(region Region) {
	r.mu.Lock()
	r.resolved = true
	r.region = region
	r.mu.Unlock()
	r.store.Save(context.Background(), region)
}

func (r *Resolver) probe(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
