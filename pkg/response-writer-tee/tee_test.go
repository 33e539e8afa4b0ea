package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseSaverRecordsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("Hello "))
		w.Write([]byte("world"))
	})
	req := httptest.NewRequest("GET", "/", nil)
	rs := NewResponseSaver(nil)
	handler.ServeHTTP(rs, req)

	assert.Equal(t, http.StatusCreated, rs.StatusCode())
	res, err := rs.Response(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, int64(11), res.ContentLength)
	assert.Equal(t, "Hello world", string(body))
}

func TestResponseSaverTees(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("X-Test", "yes")
	rs.Write([]byte("body"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "yes", rr.Header().Get("X-Test"))
	assert.Equal(t, "body", rr.Body.String())
	assert.Equal(t, http.StatusOK, rs.StatusCode())
}

func TestResponseSaverEmptyHandler(t *testing.T) {
	rs := NewResponseSaver(nil)
	res, err := rs.Response(nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(0), res.ContentLength)
}
