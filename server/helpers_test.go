package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"go-socket/config"
)

// newTestServer builds a Server over a temp project root holding files.
func newTestServer(t *testing.T, settings config.Settings, files map[string]string) *Server {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.Server.FetchPollMs = 1
	cfg.Server.FetchTimeoutMs = 2000
	cfg.Server.Static = []config.StaticRule{{Prefix: "/", Dir: "src"}}
	cfg.Settings["meta_bundle_identifier"] = "co.example.app"
	for k, v := range settings {
		cfg.Settings[k] = v
	}

	s, err := NewServer(Options{Root: root, Config: cfg, Log: testr.New(t), IPCTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// serve runs one request through s and returns the recorded response.
func serve(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

// fakeWorker answers serviceWorker.fetch events the way a worker script
// host would, replying through the router.
func fakeWorker(t *testing.T, s *Server, status int, headers, body string) (stop func()) {
	t.Helper()

	client := s.WSHub().Subscribe(IPCChannel)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range client.Send {
			if msg.Type != FrameEvent {
				continue
			}
			var ev EventPayload
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Name != "serviceWorker.fetch" {
				continue
			}
			var payload struct {
				Fetch struct {
					ID     string `json:"id"`
					Client struct {
						ID string `json:"id"`
					} `json:"client"`
				} `json:"fetch"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				continue
			}

			q := url.Values{}
			q.Set("id", payload.Fetch.ID)
			q.Set("clientId", payload.Fetch.Client.ID)
			q.Set("statusCode", strconv.Itoa(status))
			q.Set("headers", headers)
			s.Router().InvokeURI("ipc://serviceWorker.fetch.response?"+encode(q), []byte(body), nil)
		}
	}()

	return func() {
		s.WSHub().Unsubscribe(IPCChannel, client)
		<-done
	}
}

// encode escapes spaces as %20 so ipc argument decoding round-trips.
func encode(q url.Values) string {
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}
