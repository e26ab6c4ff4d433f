package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-socket/config"
	"go-socket/server"
)

func newTestMux(t *testing.T, secret string) (*httptest.Server, *server.Server, *Metrics) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "index.html"), []byte("<html><head></head><body>hi</body></html>"), 0o644))

	cfg := config.Default()
	cfg.Server.JWTSecret = secret
	cfg.Server.FetchPollMs = 1
	cfg.Server.FetchTimeoutMs = 1000

	srv, err := server.NewServer(server.Options{Root: root, Config: cfg, Log: testr.New(t), IPCTimeout: time.Second})
	require.NoError(t, err)

	metrics := NewMetrics()
	ts := httptest.NewServer(newMux(srv, metrics, testr.New(t)))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts, srv, metrics
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func signToken(t *testing.T, secret, sub string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, WSClaims{UserID: sub})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestMetricsStartEndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.StartRequest("/foo")
	m.EndRequest("/foo", 10*time.Millisecond, false)
	m.StartRequest("/foo")
	m.EndRequest("/foo", 30*time.Millisecond, true)
	m.ObserveIPC("Ping")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.TotalErrors)
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, uint64(1), snap.IPCCalls)
	require.Contains(t, snap.ByRoute, "/foo")
	assert.Equal(t, uint64(2), snap.ByRoute["/foo"].Count)
	assert.Equal(t, 40*time.Millisecond, snap.ByRoute["/foo"].TotalLatency)
	assert.Equal(t, uint64(1), snap.ByRoute["ipc:ping"].Count)

	// Snapshots are detached copies.
	snap.ByRoute["/foo"].Count = 99
	assert.Equal(t, uint64(2), m.Snapshot().ByRoute["/foo"].Count)
}

func TestAuthenticateWS(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/__ws", nil)
	id, err := authenticateWS(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", id)

	r.AddCookie(&http.Cookie{Name: "bm_user_id", Value: "u-1"})
	id, err = authenticateWS(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)

	secret := []byte("s3cret")

	// With a secret the cookie is not enough.
	_, err = authenticateWS(r, secret)
	assert.ErrorIs(t, err, errUnauthenticated)

	r = httptest.NewRequest(http.MethodGet, "/__ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "user-42", jwt.SigningMethodHS256))
	id, err = authenticateWS(r, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	r = httptest.NewRequest(http.MethodGet, "/__ws?token="+signToken(t, "s3cret", "user-7", jwt.SigningMethodHS256), nil)
	id, err = authenticateWS(r, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-7", id)

	r = httptest.NewRequest(http.MethodGet, "/__ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "other", "user-42", jwt.SigningMethodHS256))
	_, err = authenticateWS(r, secret)
	assert.ErrorIs(t, err, errUnauthenticated)

	r = httptest.NewRequest(http.MethodGet, "/__ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "", jwt.SigningMethodHS256))
	_, err = authenticateWS(r, secret)
	assert.ErrorIs(t, err, errUnauthenticated)
}

func TestAnnotateRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/foo?bar=baz", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	id := annotateRequest(r)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, r.Header.Get(requestIDHeader))
	assert.Equal(t, "198.51.100.1, 203.0.113.5", r.Header.Get("X-Forwarded-For"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Header.Set(requestIDHeader, "fixed-id")
	assert.Equal(t, "fixed-id", annotateRequest(r))
	assert.Equal(t, "203.0.113.5", r.Header.Get("X-Forwarded-For"))
}

func TestRouteKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/__ipc/Ping?value=x", nil)
	assert.Equal(t, "ipc:ping", routeKey(r))

	r = httptest.NewRequest(http.MethodGet, "/index.html", nil)
	assert.Equal(t, "/index.html", routeKey(r))

	r.Header.Set(server.SchemeHeader, "npm:")
	assert.Equal(t, "npm:/index.html", routeKey(r))
}

func TestMuxServesAppAndRecordsMetrics(t *testing.T) {
	ts, _, metrics := newTestMux(t, "")

	resp, err := http.Get(ts.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp, err = http.Get(ts.URL + "/__ipc/ping?value=hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "hello", result["data"])

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	require.Contains(t, snap.ByRoute, "/index.html")
	assert.Equal(t, uint64(1), snap.IPCCalls)

	resp, err = http.Get(ts.URL + "/__runtime/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(2), body.TotalRequests)
}

func TestMuxHealth(t *testing.T) {
	ts, srv, _ := newTestMux(t, "")

	resp, err := http.Get(ts.URL + "/__runtime/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health server.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "socket", health.Scheme)

	srv.Close()
	resp2, err := http.Get(ts.URL + "/__runtime/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestWSInvokesIPCFrames(t *testing.T) {
	ts, srv, metrics := newTestMux(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.WSHub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(server.RequestPayload{URI: "ipc://ping?seq=R1&value=hi"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg server.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, server.FrameResult, msg.Type)
	assert.Equal(t, server.IPCChannel, msg.Channel)

	var frame server.ResponsePayload
	require.NoError(t, json.Unmarshal(msg.Data, &frame))
	assert.Equal(t, "R1", frame.Seq)

	var result map[string]any
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	assert.Equal(t, "hi", result["data"])
	assert.Equal(t, "ping", result["source"])

	// Unknown routes are answered with an error.
	require.NoError(t, conn.WriteJSON(server.RequestPayload{URI: "ipc://nope?seq=R2"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.NoError(t, json.Unmarshal(msg.Data, &frame))
	assert.Equal(t, "R2", frame.Seq)
	assert.Contains(t, string(frame.Result), "NotFoundError")

	assert.Equal(t, uint64(1), metrics.Snapshot().IPCCalls)
}

func TestWSResultsGoOnlyToCallingSocket(t *testing.T) {
	ts, srv, _ := newTestMux(t, "")

	caller, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws"), nil)
	require.NoError(t, err)
	defer caller.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws"), nil)
	require.NoError(t, err)
	defer other.Close()

	require.Eventually(t, func() bool { return srv.WSHub().Clients() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, caller.WriteJSON(server.RequestPayload{URI: "ipc://ping?seq=S1&value=private"}))

	require.NoError(t, caller.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg server.WSMessage
	require.NoError(t, caller.ReadJSON(&msg))
	var frame server.ResponsePayload
	require.NoError(t, json.Unmarshal(msg.Data, &frame))
	assert.Equal(t, "S1", frame.Seq)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := other.ReadMessage()
	require.Error(t, err, "other socket received %s", data)
}

func TestWSRequiresTokenWhenSecretSet(t *testing.T) {
	ts, _, _ := newTestMux(t, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "s3cret", "user-1", jwt.SigningMethodHS256))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestWSClientChannelRebroadcast(t *testing.T) {
	ts, srv, _ := newTestMux(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/__ws?channel=room"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.WSHub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg server.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "room", msg.Channel)
	assert.Equal(t, server.FrameClient, msg.Type)
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Data))
}

func TestPublishWS(t *testing.T) {
	ts, srv, _ := newTestMux(t, "")

	resp, err := http.Get(ts.URL + "/__ws/publish")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/__ws/publish", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/__ws/publish", "application/json", strings.NewReader(`{"type":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	client := srv.WSHub().Subscribe("room")
	defer srv.WSHub().Unsubscribe("room", client)

	resp, err = http.Post(ts.URL+"/__ws/publish", "application/json", strings.NewReader(`{"channel":"room","type":"note","data":{"n":1}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out["delivered"])

	msg := <-client.Send
	assert.Equal(t, "note", msg.Type)
	assert.JSONEq(t, `{"n":1}`, string(msg.Data))
}

func TestPublishRequiresTokenWhenSecretSet(t *testing.T) {
	ts, srv, _ := newTestMux(t, "s3cret")

	client := srv.WSHub().Subscribe("room")
	defer srv.WSHub().Unsubscribe("room", client)

	post := func(path, token, body string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	valid := signToken(t, "s3cret", "user-1", jwt.SigningMethodHS256)
	forged := signToken(t, "other", "user-1", jwt.SigningMethodHS256)

	assert.Equal(t, http.StatusUnauthorized, post("/__ws/publish", "", `{"channel":"room","type":"note"}`))
	assert.Equal(t, http.StatusUnauthorized, post("/__ws/publish", forged, `{"channel":"room","type":"note"}`))
	assert.Equal(t, http.StatusUnauthorized, post("/__sse/publish", "", `{"event":"note","data":{}}`))
	assert.Len(t, client.Send, 0)

	assert.Equal(t, http.StatusAccepted, post("/__ws/publish", valid, `{"channel":"room","type":"note","data":{}}`))
	assert.Equal(t, http.StatusAccepted, post("/__sse/publish", valid, `{"event":"note","data":{}}`))
	assert.Len(t, client.Send, 1)

	assert.Equal(t, http.StatusForbidden, post("/__ws/publish", valid, `{"channel":"ipc","type":"result","data":{}}`))
}

func TestSSEStreamsPublishedEvents(t *testing.T) {
	ts, srv, _ := newTestMux(t, "")

	resp, err := http.Get(ts.URL + "/__sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return srv.SSEHub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	pub, err := http.Post(ts.URL+"/__sse/publish", "application/json", bytes.NewBufferString(`{"event":"note","data":{"a":1}}`))
	require.NoError(t, err)
	pub.Body.Close()
	assert.Equal(t, http.StatusAccepted, pub.StatusCode)

	var frame strings.Builder
	for !strings.HasSuffix(frame.String(), "\n\n") || !strings.Contains(frame.String(), "event:") {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		frame.WriteString(line)
	}
	assert.Contains(t, frame.String(), "event: note\n")
	assert.Contains(t, frame.String(), `data: {"a":1}`)

	pub, err = http.Post(ts.URL+"/__sse/publish", "application/json", bytes.NewBufferString(`{"data":{}}`))
	require.NoError(t, err)
	pub.Body.Close()
	assert.Equal(t, http.StatusBadRequest, pub.StatusCode)
}
