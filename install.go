package shellcache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/shellcache/cache"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// OnInstall pre-caches the manifest into the store named by the version tag.
// It returns only when every resource is stored, or with an error if any resource
// could not be fetched or stored. Nothing is stored unless all resources are.
// Running it again against a complete store rewrites the same entries.
func (a *Agent) OnInstall(ctx context.Context) error {
	log := a.log.With().Str("event", "install").Logger()

	entries := make([]cache.Entry, len(a.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, resource := range a.manifest {
		g.Go(func() error {
			entry, err := a.fetchEntry(gctx, resource)
			if err != nil {
				return fmt.Errorf("%s: %w", resource, err)
			}
			log.Trace().Str("key", entry.Key).Msg("Fetched manifest resource")
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Failed to cache during install")
		return fmt.Errorf("install %s: %w", a.version, err)
	}

	// the store is created only once the whole manifest is at hand
	store, err := a.storage.Open(ctx, a.version)
	if err != nil {
		log.Error().Err(err).Msg("Could not open cache")
		return fmt.Errorf("open cache %s: %w", a.version, err)
	}
	if err := store.PutAll(ctx, entries); err != nil {
		log.Error().Err(err).Msg("Failed to cache during install")
		return fmt.Errorf("install %s: %w", a.version, err)
	}
	log.Info().Int("resources", len(entries)).Msg("Installed")
	return nil
}

// fetchEntry fetches one manifest resource and turns it into a cache entry.
// Like a browser's cache.addAll, any status outside 200-299 is a failure.
func (a *Agent) fetchEntry(ctx context.Context, resource string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := a.network.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	snapshot, err := serializer.Capture(res)
	if err != nil {
		return cache.Entry{}, err
	}
	if !snapshot.OK() {
		return cache.Entry{}, fmt.Errorf("%w: %d", ErrNotOK, snapshot.StatusCode)
	}
	return a.entryFor(req, snapshot)
}
