package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	if s := cs.String(); s != "ShellCache; hit" {
		t.Fatalf("Hit is %s", s)
	}

	cs = CacheStatus{}
	cs.Forward(FwdReasonUriMiss)
	cs.FwdStatus = 200
	cs.Stored = true
	if s := cs.String(); s != "ShellCache; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Forward is %s", s)
	}

	cs = CacheStatus{}
	cs.Forward(FwdReasonMiss)
	cs.Detail = "offline fallback"
	if s := cs.String(); s != `ShellCache; fwd=miss; detail="offline fallback"` {
		t.Fatalf("Detail is %s", s)
	}
}
