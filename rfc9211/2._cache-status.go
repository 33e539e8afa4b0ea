package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates how caches have
// §     handled that response and its corresponding request.
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself if it appends a value).

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "ShellCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.

type FwdReason string

const (
	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus is one member of the Cache-Status list.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	FwdStatus int
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.8.  The detail Parameter
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field value, e.g. `ShellCache; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	b := strings.Builder{}
	b.WriteString(CacheName)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.FwdReason != "" {
		b.WriteString("; fwd=" + string(cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		b.WriteString("; fwd-status=")
		b.WriteString(strconv.Itoa(cs.FwdStatus))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + strconv.Quote(cs.Detail))
	}
	return b.String()
}
