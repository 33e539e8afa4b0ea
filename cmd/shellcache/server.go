package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/config"
	"github.com/always-cache/shellcache/host"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// server exposes the runtime over HTTP, plus a few control routes under /.shellcache/.
type server struct {
	// load returns the current configuration, including command line overrides
	load    func() (config.Config, error)
	storage cache.Storage
	runtime *host.Runtime
	// network builds the network for a configuration
	network func(config.Config) (shellcache.Network, error)
	log     zerolog.Logger
}

type storesResponse struct {
	Version string   `json:"version"`
	Waiting string   `json:"waiting,omitempty"`
	Stores  []string `json:"stores"`
}

type reloadResponse struct {
	Version string `json:"version"`
}

func (s *server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Get("/.shellcache/stores", s.handleStores)
	r.Post("/.shellcache/reload", s.handleReload)
	r.Handle("/*", s.runtime)
	return r
}

// Install registers the version described by the current configuration.
// The new version takes control right away; the previous one is retired once its
// requests have finished.
func (s *server) Install(ctx context.Context) (string, error) {
	cfg, err := s.load()
	if err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	scope, err := cfg.Scope()
	if err != nil {
		return "", err
	}
	network, err := s.network(cfg)
	if err != nil {
		return "", err
	}
	agent, err := shellcache.New(shellcache.Config{
		Version:         cfg.Version,
		Manifest:        cfg.Manifest,
		Scope:           scope,
		Storage:         s.storage,
		Network:         network,
		Logger:          &s.log,
		OfflineFallback: cfg.OfflineFallback,
	})
	if err != nil {
		return "", err
	}
	if err := s.runtime.Register(ctx, cfg.Version, agent); err != nil {
		return "", err
	}
	if s.runtime.Waiting() == cfg.Version {
		if err := s.runtime.Promote(ctx); err != nil {
			// the version is in control, only cleanup of old stores failed
			s.log.Warn().Err(err).Msg("Activation incomplete")
		}
	}
	return cfg.Version, nil
}

func (s *server) handleStores(w http.ResponseWriter, r *http.Request) {
	names, err := s.storage.Names(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list caches")
		http.Error(w, "Could not list caches", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, storesResponse{
		Version: s.runtime.Version(),
		Waiting: s.runtime.Waiting(),
		Stores:  names,
	})
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	version, err := s.Install(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Reload failed")
		status := http.StatusBadRequest
		if errors.Is(err, host.ErrInstallFailed) {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}
	logger.Info().Str("version", version).Msg("Reloaded")
	writeJSON(w, r, reloadResponse{Version: version})
}

// originNetwork builds the network for a configuration: same-origin requests go to
// the configured origin.
func originNetwork(cfg config.Config) (shellcache.Network, error) {
	scope, err := cfg.Scope()
	if err != nil {
		return nil, err
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	return shellcache.NewOriginNetwork(scope, origin, cfg.Host), nil
}

// passthrough is used by the runtime while no version is in control.
// Incoming requests carry only a path, so they are resolved against the scope first.
func passthrough(scope url.URL, network shellcache.Network) shellcache.NetworkFunc {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		out := req.Clone(ctx)
		out.URL = scope.ResolveReference(req.URL)
		out.Host = ""
		return network.Fetch(ctx, out)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}
