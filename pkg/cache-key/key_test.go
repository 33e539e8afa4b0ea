package cachekey

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyer(t *testing.T) CacheKeyer {
	scope, err := url.Parse("https://App.Example:443/shell/")
	require.NoError(t, err)
	return NewCacheKeyer(*scope)
}

func TestURLFromKey(t *testing.T) {
	keygen := testKeyer(t)
	r, _ := http.NewRequest("GET", "/page?x=1", nil)
	r.Header.Set("Accept-Language", "fi")
	res := &http.Response{Header: http.Header{"Vary": {"Accept-Language"}}}
	key, err := keygen.AddVaryKeys(keygen.KeyPrefix(r), r, res)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/page?x=1", keygen.URLFromKey(key))
}

func TestOriginPrefixIncludesOrigin(t *testing.T) {
	keygen := testKeyer(t)
	if !strings.Contains(keygen.OriginPrefix, "https://app.example") {
		t.Fatalf("OriginPrefix is %s", keygen.OriginPrefix)
	}
}

func TestEqualIdentitiesShareKey(t *testing.T) {
	keygen := testKeyer(t)
	relative, _ := http.NewRequest("GET", "index.html", nil)
	absolute, _ := http.NewRequest("GET", "HTTPS://app.example:443/shell/index.html#top", nil)
	assert.Equal(t, keygen.KeyPrefix(relative), keygen.KeyPrefix(absolute))

	post, _ := http.NewRequest("POST", "index.html", nil)
	assert.NotEqual(t, keygen.KeyPrefix(relative), keygen.KeyPrefix(post))
}

func TestSameOrigin(t *testing.T) {
	keygen := testKeyer(t)
	assert.True(t, keygen.SameOrigin(&url.URL{Path: "/app.js"}))
	other, _ := url.Parse("https://cdn.example/lib.js")
	assert.False(t, keygen.SameOrigin(other))
}

func TestVaryKeys(t *testing.T) {
	keygen := testKeyer(t)
	req, _ := http.NewRequest("GET", "/data.json", nil)
	req.Header.Set("Accept-Language", "fi")
	res := &http.Response{Header: http.Header{"Vary": {"accept-language, Accept-Encoding"}}}

	key, err := keygen.AddVaryKeys(keygen.KeyPrefix(req), req, res)
	require.NoError(t, err)
	assert.True(t, keygen.MatchesVary(key, req))

	other, _ := http.NewRequest("GET", "/data.json", nil)
	other.Header.Set("Accept-Language", "sv")
	assert.False(t, keygen.MatchesVary(key, other))

	assert.Equal(t, "fi", keygen.VaryHeaders(key).Get("Accept-Language"))
}

func TestVaryIgnoresAcceptEncoding(t *testing.T) {
	keygen := testKeyer(t)
	// install requests carry no Accept-Encoding, browsers always do
	install, _ := http.NewRequest("GET", "/index.html", nil)
	res := &http.Response{Header: http.Header{"Vary": {"Accept-Encoding"}}}
	key, err := keygen.AddVaryKeys(keygen.KeyPrefix(install), install, res)
	require.NoError(t, err)
	assert.Equal(t, keygen.KeyPrefix(install), key)

	browser, _ := http.NewRequest("GET", "/index.html", nil)
	browser.Header.Set("Accept-Encoding", "gzip, deflate, br")
	assert.True(t, keygen.MatchesVary(key, browser))

	// keys written with an empty Accept-Encoding line still match
	assert.True(t, keygen.MatchesVary(keygen.KeyPrefix(install)+"\nAccept-Encoding: ", browser))
}

func TestVaryWildcard(t *testing.T) {
	keygen := testKeyer(t)
	req, _ := http.NewRequest("GET", "/", nil)
	res := &http.Response{Header: http.Header{"Vary": {"*"}}}
	_, err := keygen.AddVaryKeys(keygen.KeyPrefix(req), req, res)
	assert.ErrorIs(t, err, ErrVaryWildcard)
}
