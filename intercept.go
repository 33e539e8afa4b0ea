package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
	"github.com/always-cache/shellcache/rfc9211"
)

// OnIntercept answers one request: from the current store if it has a matching entry,
// otherwise from the network. Successful same-origin network responses are stored in
// the background; the returned response never waits for that write.
// An error is returned only if no response could be obtained at all.
//
// Every returned response carries a Cache-Status header describing what happened.
func (a *Agent) OnIntercept(ctx context.Context, req *http.Request) (*http.Response, error) {
	log := a.log.With().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Logger()
	cs := rfc9211.CacheStatus{}

	// only GET requests are looked up and stored
	if req.Method != http.MethodGet {
		cs.Forward(rfc9211.FwdReasonMethod)
		res, err := a.network.Fetch(ctx, a.outbound(ctx, req))
		if err != nil {
			log.Error().Err(err).Msg("Fetch failed")
			return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		cs.FwdStatus = res.StatusCode
		setCacheStatus(res, cs)
		return res, nil
	}

	snapshot, fwdReason := a.match(ctx, req)
	if snapshot != nil {
		log.Trace().Msg("Cache hit")
		cs.Hit()
		res := snapshot.Response(req)
		setCacheStatus(res, cs)
		return res, nil
	}
	cs.Forward(fwdReason)

	res, err := a.network.Fetch(ctx, a.outbound(ctx, req))
	if err != nil {
		log.Error().Err(err).Msg("Fetch failed")
		if fallback := a.fallback(ctx, req); fallback != nil {
			cs.Detail = "offline fallback"
			setCacheStatus(fallback, cs)
			return fallback, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	cs.FwdStatus = res.StatusCode

	if reason := a.notCacheable(req, res); reason != "" {
		log.Trace().Str("reason", reason).Msg("Not storing response")
		setCacheStatus(res, cs)
		return res, nil
	}

	// the body can be read only once: read it into a snapshot,
	// hand one view to the caller and store the snapshot
	snapshot, err = serializer.Capture(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not read response")
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	a.writes.Add(1)
	go func() {
		defer a.writes.Done()
		a.writeCache(context.WithoutCancel(ctx), req, snapshot)
	}()

	cs.Stored = true
	clientRes := snapshot.Response(req)
	setCacheStatus(clientRes, cs)
	return clientRes, nil
}

// notCacheable returns why a network response must not be stored, or "" if it may be.
func (a *Agent) notCacheable(req *http.Request, res *http.Response) string {
	if res.StatusCode != http.StatusOK {
		return "status"
	}
	if t := a.responseType(req, res); t != ResponseTypeBasic {
		return "type " + string(t)
	}
	for _, vary := range res.Header.Values("Vary") {
		for _, name := range strings.Split(vary, ",") {
			if strings.TrimSpace(name) == "*" {
				return "vary"
			}
		}
	}
	return ""
}

// writeCache stores the snapshot in the current store, replacing any entry for the
// same request. Failures are logged only; the response has already been returned.
// A store that no longer exists is not recreated: it was deleted by a newer version.
func (a *Agent) writeCache(ctx context.Context, req *http.Request, snapshot *serializer.Snapshot) {
	entry, err := a.entryFor(req, snapshot)
	if errors.Is(err, cachekey.ErrVaryWildcard) {
		return
	}
	if err != nil {
		a.log.Error().Err(err).Msg("Could not serialize response")
		return
	}
	log := a.log.With().Str("url", a.keyer.URLFromKey(entry.Key)).Logger()
	store, ok, err := a.storage.Lookup(ctx, a.version)
	if err != nil {
		log.Error().Err(err).Msg("Could not open cache")
		return
	}
	if !ok {
		log.Trace().Msg("Cache deleted, not writing")
		return
	}
	log.Trace().Str("key", entry.Key).Msg("Writing to cache")
	if err := store.Put(ctx, entry); errors.Is(err, cache.ErrStoreDeleted) {
		log.Trace().Msg("Cache deleted while writing")
	} else if err != nil {
		log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to cache")
	}
}

// fallback returns the configured offline fallback resource from the current store,
// or nil if there is none.
func (a *Agent) fallback(ctx context.Context, req *http.Request) *http.Response {
	if a.offlineFallback == "" {
		return nil
	}
	u, err := url.Parse(a.offlineFallback)
	if err != nil {
		a.log.Error().Err(err).Msg("Invalid offline fallback")
		return nil
	}
	fallbackReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.keyer.Resolve(u).String(), nil)
	if err != nil {
		return nil
	}
	fallbackReq.Header = req.Header.Clone()
	snapshot, _ := a.match(ctx, fallbackReq)
	if snapshot == nil {
		a.log.Warn().Str("fallback", a.offlineFallback).Msg("Offline fallback not in cache")
		return nil
	}
	return snapshot.Response(req)
}
