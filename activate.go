package shellcache

import (
	"context"
	"fmt"
	"sync"
)

// OnActivate deletes every store except the one named by the version tag.
// Deletions run concurrently; a failed deletion is logged and does not stop the others.
// Only a failure to enumerate the stores is returned.
func (a *Agent) OnActivate(ctx context.Context) error {
	log := a.log.With().Str("event", "activate").Logger()
	whitelist := map[string]struct{}{a.version: {}}

	names, err := a.storage.Names(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list caches")
		return fmt.Errorf("list caches: %w", err)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if _, ok := whitelist[name]; ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleted, err := a.storage.Delete(ctx, name)
			if err != nil {
				log.Error().Err(err).Str("cache", name).Msg("Could not delete old cache")
				return
			}
			if deleted {
				log.Info().Str("cache", name).Msg("Deleted old cache")
			}
		}()
	}
	wg.Wait()
	return nil
}
