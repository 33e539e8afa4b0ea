package shellcache

import (
	"net/url"

	"github.com/always-cache/shellcache/cache"

	"github.com/rs/zerolog"
)

// Config is set once when an agent version is built and never changes afterwards.
// Shipping a new manifest or invalidating the cache means building a new agent
// with a new Version.
type Config struct {
	// Cache version tag.
	// The agent owns the store with this name and deletes all others on activation.
	Version string
	// Resources to pre-cache on install (the application shell).
	// Relative paths are resolved against Scope.
	Manifest []string
	// URL of the controlled application.
	// Requests are resolved against it and it decides which responses are same-origin.
	Scope url.URL
	// Storage for cache stores.
	Storage cache.Storage
	// Network used on cache misses and for install.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional resource served from the current store when the network fails.
	// Leave empty to propagate network failures to the caller.
	OfflineFallback string
}
