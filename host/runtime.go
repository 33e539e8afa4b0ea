// Package host drives caching agents through their lifecycle the way a browser drives
// service workers: install once per version, activate once the previous version has
// let go, then route every request through the controlling version.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNoWaiting     = errors.New("no installed version is waiting")
)

// Agent is one version of a caching agent.
type Agent interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnIntercept(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Fetcher is the network used while no agent is in control.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// waiter is implemented by agents with background work that must finish before
// the agent is retired.
type waiter interface {
	Wait()
}

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

type registration struct {
	version string
	agent   Agent
	// intercepts dispatched to this agent that have not returned yet
	inflight sync.WaitGroup
	// closed once activation has finished
	ready chan struct{}
}

// Runtime holds at most one controlling agent and at most one waiting agent.
type Runtime struct {
	network Fetcher
	log     zerolog.Logger

	mutex      sync.Mutex
	controller *registration
	waiting    *registration
	states     map[string]State
	// serializes Register and Promote
	lifecycle sync.Mutex
}

// NewRuntime returns a runtime with no agent in control.
// Until an agent activates, requests go straight to the network.
func NewRuntime(network Fetcher, logger zerolog.Logger) *Runtime {
	return &Runtime{
		network: network,
		log:     logger,
		states:  make(map[string]State),
	}
}

// Register installs the agent as the given version.
// If install fails, the version becomes redundant and the current controller stays.
// If no agent is in control, the new one is activated right away; otherwise it waits
// for Promote. Registering the version that is already in control or waiting does nothing.
func (rt *Runtime) Register(ctx context.Context, version string, agent Agent) error {
	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()

	rt.mutex.Lock()
	if (rt.controller != nil && rt.controller.version == version) ||
		(rt.waiting != nil && rt.waiting.version == version) {
		rt.mutex.Unlock()
		rt.log.Debug().Str("version", version).Msg("Version already registered")
		return nil
	}
	rt.states[version] = StateInstalling
	rt.mutex.Unlock()

	rt.log.Info().Str("version", version).Msg("Installing")
	if err := agent.OnInstall(ctx); err != nil {
		rt.setState(version, StateRedundant)
		rt.log.Error().Err(err).Str("version", version).Msg("Install failed, version will not be activated")
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, version, err)
	}

	rt.mutex.Lock()
	if rt.waiting != nil {
		rt.states[rt.waiting.version] = StateRedundant
	}
	rt.waiting = &registration{
		version: version,
		agent:   agent,
		ready:   make(chan struct{}),
	}
	rt.states[version] = StateInstalled
	hasController := rt.controller != nil
	rt.mutex.Unlock()

	if hasController {
		rt.log.Info().Str("version", version).Msg("Installed, waiting for activation")
		return nil
	}
	return rt.promote(ctx)
}

// Promote activates the waiting version.
// New requests are held until activation finishes; requests already dispatched to
// the previous controller are allowed to finish first.
func (rt *Runtime) Promote(ctx context.Context) error {
	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()
	return rt.promote(ctx)
}

func (rt *Runtime) promote(ctx context.Context) error {
	rt.mutex.Lock()
	reg := rt.waiting
	if reg == nil {
		rt.mutex.Unlock()
		return ErrNoWaiting
	}
	previous := rt.controller
	rt.waiting = nil
	rt.controller = reg
	rt.states[reg.version] = StateActivating
	rt.mutex.Unlock()

	if previous != nil {
		rt.log.Debug().Str("version", previous.version).Msg("Waiting for previous version to finish")
		previous.inflight.Wait()
		if w, ok := previous.agent.(waiter); ok {
			w.Wait()
		}
		rt.setState(previous.version, StateRedundant)
	}

	rt.log.Info().Str("version", reg.version).Msg("Activating")
	err := reg.agent.OnActivate(ctx)
	if err != nil {
		// the version is activated regardless, as a browser does
		rt.log.Error().Err(err).Str("version", reg.version).Msg("Activation cleanup failed")
	}
	rt.setState(reg.version, StateActivated)
	close(reg.ready)
	rt.log.Info().Str("version", reg.version).Msg("Activated")
	return err
}

// Fetch answers a request through the controlling agent,
// or through the network if there is none.
func (rt *Runtime) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	rt.mutex.Lock()
	reg := rt.controller
	if reg != nil {
		reg.inflight.Add(1)
	}
	rt.mutex.Unlock()

	if reg == nil {
		out := req.Clone(ctx)
		out.RequestURI = ""
		return rt.network.Fetch(ctx, out)
	}
	defer reg.inflight.Done()

	select {
	case <-reg.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return reg.agent.OnIntercept(ctx, req)
}

// ServeHTTP implements the http.Handler interface.
// A request that gets no response at all is answered with 502 Bad Gateway.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := rt.Fetch(r.Context(), r)
	if err != nil {
		rt.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch")
		http.Error(w, "Could not fetch resource", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		rt.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// Version returns the version in control, or "" if there is none.
func (rt *Runtime) Version() string {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	if rt.controller == nil {
		return ""
	}
	return rt.controller.version
}

// Waiting returns the installed version waiting for activation, or "" if there is none.
func (rt *Runtime) Waiting() string {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	if rt.waiting == nil {
		return ""
	}
	return rt.waiting.version
}

// State returns the lifecycle state of a registered version.
func (rt *Runtime) State(version string) (State, bool) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	state, ok := rt.states[version]
	return state, ok
}

// Drain waits for all requests and background work of the controlling agent.
func (rt *Runtime) Drain() {
	rt.mutex.Lock()
	reg := rt.controller
	rt.mutex.Unlock()
	if reg == nil {
		return
	}
	reg.inflight.Wait()
	if w, ok := reg.agent.(waiter); ok {
		w.Wait()
	}
}

func (rt *Runtime) setState(version string, state State) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	rt.states[version] = state
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
