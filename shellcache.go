package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
	"github.com/always-cache/shellcache/rfc9211"

	"github.com/rs/zerolog"
)

var (
	ErrNoVersion         = errors.New("cache version tag not set")
	ErrNoStorage         = errors.New("cache storage not set")
	ErrNoNetwork         = errors.New("network not set")
	ErrNoScope           = errors.New("scope must be an absolute URL")
	ErrDuplicateResource = errors.New("duplicate manifest resource")
	// ErrNotOK is returned by install when a manifest resource does not have a 2xx status.
	ErrNotOK = errors.New("response status is not ok")
)

// ResponseType classifies a network response like a browser does for an agent
// fetching on behalf of a page.
type ResponseType string

const (
	// Same-origin response. The only type that gets stored.
	ResponseTypeBasic ResponseType = "basic"
	// Cross-origin response the other origin explicitly shared.
	ResponseTypeCORS ResponseType = "cors"
	// Cross-origin response that was not shared.
	ResponseTypeOpaque ResponseType = "opaque"
)

// Agent is one version of the caching agent.
// Its three handlers are driven by a host runtime: OnInstall once, OnActivate once,
// and OnIntercept for every request while the agent is in control.
type Agent struct {
	version         string
	manifest        []string
	offlineFallback string
	storage         cache.Storage
	network         Network
	keyer           cachekey.CacheKeyer
	log             zerolog.Logger
	// pending background cache writes
	writes sync.WaitGroup
}

// New builds an agent from the config.
// The manifest is copied; later changes to the config do not affect the agent.
func New(config Config) (*Agent, error) {
	if config.Version == "" {
		return nil, ErrNoVersion
	}
	if config.Storage == nil {
		return nil, ErrNoStorage
	}
	if config.Network == nil {
		return nil, ErrNoNetwork
	}
	if config.Scope.Scheme == "" || config.Scope.Host == "" {
		return nil, ErrNoScope
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	a := &Agent{
		version:         config.Version,
		offlineFallback: config.OfflineFallback,
		storage:         config.Storage,
		network:         config.Network,
		keyer:           cachekey.NewCacheKeyer(config.Scope),
		log: logger.With().
			Str("version", config.Version).
			Logger(),
	}

	seen := make(map[string]struct{}, len(config.Manifest))
	for _, resource := range config.Manifest {
		u, err := url.Parse(resource)
		if err != nil {
			return nil, fmt.Errorf("manifest resource %q: %w", resource, err)
		}
		abs := a.keyer.Resolve(u).String()
		if _, ok := seen[abs]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, resource)
		}
		seen[abs] = struct{}{}
		a.manifest = append(a.manifest, abs)
	}

	return a, nil
}

// Version returns the cache version tag of the agent.
func (a *Agent) Version() string {
	return a.version
}

// Manifest returns the absolute URLs of the manifest resources.
func (a *Agent) Manifest() []string {
	return append([]string(nil), a.manifest...)
}

// Wait blocks until all background cache writes started so far have finished.
func (a *Agent) Wait() {
	a.writes.Wait()
}

// match looks up the request in the store that is current right now.
// A missing store (e.g. deleted by a newer version) is a miss.
func (a *Agent) match(ctx context.Context, req *http.Request) (*serializer.Snapshot, rfc9211.FwdReason) {
	store, ok, err := a.storage.Lookup(ctx, a.version)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not open cache")
		return nil, rfc9211.FwdReasonMiss
	}
	if !ok {
		a.log.Trace().Msg("Cache does not exist")
		return nil, rfc9211.FwdReasonUriMiss
	}
	prefix := a.keyer.KeyPrefix(req)
	entries, err := store.Match(ctx, prefix)
	if err != nil {
		a.log.Error().Err(err).Str("key", prefix).Msg("Could not retrieve from cache")
		return nil, rfc9211.FwdReasonMiss
	}
	a.log.Trace().Str("key", prefix).Msgf("Found %v cache entries", len(entries))
	if len(entries) == 0 {
		return nil, rfc9211.FwdReasonUriMiss
	}
	for _, entry := range entries {
		if !a.keyer.MatchesVary(entry.Key, req) {
			continue
		}
		snapshot, err := serializer.Parse(entry.Bytes, req)
		if err != nil {
			a.log.Error().Err(err).Str("key", entry.Key).Msg("Could not read stored response")
			continue
		}
		return snapshot, ""
	}
	return nil, rfc9211.FwdReasonVaryMiss
}

// responseType determines the type of a network response to the request.
func (a *Agent) responseType(req *http.Request, res *http.Response) ResponseType {
	u := req.URL
	// the network may have followed redirects
	if res.Request != nil && res.Request.URL != nil {
		u = res.Request.URL
	}
	if a.keyer.SameOrigin(req.URL) && a.keyer.SameOrigin(u) {
		return ResponseTypeBasic
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		return ResponseTypeCORS
	}
	return ResponseTypeOpaque
}

// entryFor serializes the snapshot into a cache entry for the request.
func (a *Agent) entryFor(req *http.Request, snapshot *serializer.Snapshot) (cache.Entry, error) {
	key, err := a.keyer.AddVaryKeys(a.keyer.KeyPrefix(req), req, &http.Response{Header: snapshot.Header})
	if err != nil {
		return cache.Entry{}, err
	}
	bts, err := snapshot.Bytes()
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{
		Key:      key,
		StoredAt: snapshot.StoredAt,
		Bytes:    bts,
	}, nil
}

// outbound returns a client request for the normalized absolute URL of req.
// The client's Accept-Encoding is dropped so the network negotiates content coding
// itself and responses are stored decoded.
func (a *Agent) outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.URL = a.keyer.Resolve(req.URL)
	out.Host = ""
	out.RequestURI = ""
	out.Header.Del("Accept-Encoding")
	return out
}

func setCacheStatus(res *http.Response, cs rfc9211.CacheStatus) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Add("Cache-Status", cs.String())
}
