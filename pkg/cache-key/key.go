package cachekey

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrVaryWildcard is returned for responses that vary on `*`.
// Such a response can never be matched by a later request and is not stored.
var ErrVaryWildcard = errors.New("response varies on *")

const (
	originSeparator = ":"
	methodSeparator = ":"
	varySeparator   = "\t"
)

// CacheKeyer normalizes requests into cache keys.
// A key consists of a prefix (origin, method, absolute URL) and one line per header
// named in the stored response's Vary header.
type CacheKeyer struct {
	// Scope is the URL the agent controls.
	// Relative request URLs are resolved against it.
	Scope url.URL
	// Unique identifier for the origin, i.e. scheme and host of the scope.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(scope url.URL) CacheKeyer {
	c := CacheKeyer{Scope: scope}
	c.OriginId = originOf(c.Resolve(&url.URL{}))
	c.OriginPrefix = c.OriginId + originSeparator
	return c
}

// Resolve returns the normalized absolute URL for the request URL:
// resolved against the scope, lowercase scheme and host, default port and fragment removed.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	abs := c.Scope.ResolveReference(u)
	abs.Scheme = strings.ToLower(abs.Scheme)
	abs.Host = strings.ToLower(abs.Host)
	if (abs.Scheme == "http" && abs.Port() == "80") || (abs.Scheme == "https" && abs.Port() == "443") {
		abs.Host = abs.Hostname()
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Path == "" {
		abs.Path = "/"
	}
	return abs
}

// SameOrigin reports whether the request URL has the same origin as the scope.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return originOf(c.Resolve(u)) == c.OriginId
}

// KeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) KeyPrefix(r *http.Request) string {
	return c.OriginPrefix + r.Method + methodSeparator + c.Resolve(r.URL).String() + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// Headers the request does not carry are recorded with an empty value.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) (string, error) {
	key := prefix
	names := varyNames(res.Header)
	for _, name := range names {
		if name == "*" {
			return "", ErrVaryWildcard
		}
	}
	for _, name := range names {
		key = key + "\n" + name + ": " + req.Header.Get(name)
	}
	return key, nil
}

// MatchesVary reports whether the request carries the same values for the vary headers
// recorded in the key. Headers not recorded in the key, e.g. Accept-Encoding, are ignored.
func (c CacheKeyer) MatchesVary(key string, req *http.Request) bool {
	for name, values := range c.VaryHeaders(key) {
		if name == "Accept-Encoding" {
			continue
		}
		if req.Header.Get(name) != values[0] {
			return false
		}
	}
	return true
}

// VaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) VaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		name, value, _ := strings.Cut(lines[i], ": ")
		header.Add(name, value)
	}
	return header
}

// URLFromKey returns the absolute URL part of a key.
func (c CacheKeyer) URLFromKey(key string) string {
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	keyNoVary, _, _ := strings.Cut(keyNoOrigin, varySeparator)
	_, uri, _ := strings.Cut(keyNoVary, methodSeparator)
	return uri
}

// varyNames returns the canonical, sorted, de-duplicated field names of the Vary header.
// Accept-Encoding is left out: content coding is negotiated by the network below the
// agent and stored bodies are always decoded.
func varyNames(header http.Header) []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, line := range header.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = http.CanonicalHeaderKey(name)
			}
			if name == "Accept-Encoding" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
