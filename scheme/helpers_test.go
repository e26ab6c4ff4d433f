package scheme

import (
	"net/http"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"

	"go-socket/config"
)

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) bool {
	fn()
	return true
}

type fakePlatform struct {
	mu       sync.Mutex
	declared []string
}

func (p *fakePlatform) DeclareScheme(scheme string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declared = append(p.declared, scheme)
	return nil
}

func newTestHandlers(t *testing.T, registry *Registry, settings config.Settings) *Handlers {
	t.Helper()
	h := NewHandlers(registry, testr.New(t))
	h.Configure(Configuration{
		Settings:   settings,
		ClientID:   42,
		Dispatcher: inlineDispatcher{},
	})
	return h
}

// activeRequest builds a request for url and places it in the registry so
// responses can be written without a handler round trip.
func activeRequest(t *testing.T, h *Handlers, method, url string) (*Request, *Recorder) {
	t.Helper()
	rec := NewRecorder(method, url, http.Header{}, nil)
	req := NewBuilder(h, rec).Build()
	if !h.Registry().Add(req) {
		t.Fatalf("request %d already active", req.ID)
	}
	return req, rec
}

func testrLogger(t *testing.T) logr.Logger {
	t.Helper()
	return testr.New(t)
}
