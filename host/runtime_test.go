package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	name       string
	installErr error
	activateFn func()
	block      chan struct{}

	mutex     sync.Mutex
	events    []string
	intercept int
}

func (f *fakeAgent) record(event string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeAgent) Events() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeAgent) OnInstall(ctx context.Context) error {
	f.record("install")
	return f.installErr
}

func (f *fakeAgent) OnActivate(ctx context.Context) error {
	f.record("activate")
	if f.activateFn != nil {
		f.activateFn()
	}
	return nil
}

func (f *fakeAgent) OnIntercept(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mutex.Lock()
	f.intercept++
	f.mutex.Unlock()
	if f.block != nil {
		<-f.block
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Agent": {f.name}},
		Body:       io.NopCloser(strings.NewReader("from " + f.name)),
	}, nil
}

type fetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

func network(body string) Fetcher {
	return fetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})
}

func fetchBody(t *testing.T, rt *Runtime) string {
	req := httptest.NewRequest("GET", "/", nil)
	res, err := rt.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestUncontrolledGoesToNetwork(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	assert.Equal(t, "network", fetchBody(t, rt))
	assert.Equal(t, "", rt.Version())
}

func TestFirstRegistrationActivatesImmediately(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	v1 := &fakeAgent{name: "v1"}

	require.NoError(t, rt.Register(context.Background(), "v1", v1))

	assert.Equal(t, []string{"install", "activate"}, v1.Events())
	assert.Equal(t, "v1", rt.Version())
	state, ok := rt.State("v1")
	require.True(t, ok)
	assert.Equal(t, StateActivated, state)
	assert.Equal(t, "from v1", fetchBody(t, rt))
}

func TestFailedInstallNeverActivates(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	v1 := &fakeAgent{name: "v1"}
	require.NoError(t, rt.Register(context.Background(), "v1", v1))

	broken := &fakeAgent{name: "v2", installErr: errors.New("boom")}
	err := rt.Register(context.Background(), "v2", broken)
	assert.ErrorIs(t, err, ErrInstallFailed)

	assert.Equal(t, []string{"install"}, broken.Events())
	state, _ := rt.State("v2")
	assert.Equal(t, StateRedundant, state)
	assert.Equal(t, "v1", rt.Version())
	assert.Equal(t, "", rt.Waiting())
	assert.ErrorIs(t, rt.Promote(context.Background()), ErrNoWaiting)
	assert.Equal(t, "from v1", fetchBody(t, rt))
}

func TestNewVersionWaitsForPromote(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	v1 := &fakeAgent{name: "v1"}
	v2 := &fakeAgent{name: "v2"}
	require.NoError(t, rt.Register(context.Background(), "v1", v1))
	require.NoError(t, rt.Register(context.Background(), "v2", v2))

	assert.Equal(t, []string{"install"}, v2.Events())
	assert.Equal(t, "v2", rt.Waiting())
	assert.Equal(t, "from v1", fetchBody(t, rt))

	require.NoError(t, rt.Promote(context.Background()))

	assert.Equal(t, "v2", rt.Version())
	assert.Equal(t, "from v2", fetchBody(t, rt))
	state, _ := rt.State("v1")
	assert.Equal(t, StateRedundant, state)
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	v1 := &fakeAgent{name: "v1"}
	require.NoError(t, rt.Register(context.Background(), "v1", v1))
	again := &fakeAgent{name: "v1"}
	require.NoError(t, rt.Register(context.Background(), "v1", again))
	assert.Empty(t, again.Events())
}

func TestPromoteWaitsForInflightRequests(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	v1 := &fakeAgent{name: "v1", block: make(chan struct{})}
	require.NoError(t, rt.Register(context.Background(), "v1", v1))

	done := make(chan string)
	go func() {
		res, err := rt.Fetch(context.Background(), httptest.NewRequest("GET", "/", nil))
		if err != nil {
			done <- err.Error()
			return
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		done <- string(body)
	}()
	// wait until the request is inside v1
	require.Eventually(t, func() bool {
		v1.mutex.Lock()
		defer v1.mutex.Unlock()
		return v1.intercept == 1
	}, time.Second, time.Millisecond)

	activated := make(chan struct{})
	v2 := &fakeAgent{name: "v2", activateFn: func() { close(activated) }}
	require.NoError(t, rt.Register(context.Background(), "v2", v2))
	promoted := make(chan error)
	go func() { promoted <- rt.Promote(context.Background()) }()

	select {
	case <-activated:
		t.Fatal("v2 activated while v1 still handled a request")
	case <-time.After(50 * time.Millisecond):
	}

	close(v1.block)
	assert.Equal(t, "from v1", <-done)
	require.NoError(t, <-promoted)
	assert.Equal(t, "from v2", fetchBody(t, rt))
}

func TestServeHTTPBadGateway(t *testing.T) {
	rt := NewRuntime(fetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	}), zerolog.Nop())
	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestServeHTTPCopiesResponse(t *testing.T) {
	rt := NewRuntime(network("network"), zerolog.Nop())
	require.NoError(t, rt.Register(context.Background(), "v1", &fakeAgent{name: "v1"}))
	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "v1", rr.Header().Get("X-Agent"))
	assert.Equal(t, "from v1", rr.Body.String())
}
