package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-socket/ipc"
	"go-socket/server"
)

const requestIDHeader = "X-Request-Id"

var errUnauthenticated = errors.New("unauthenticated")

// WSClaims identifies the surface opening a socket.
type WSClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticateWS returns the caller id from an HS256 bearer token, or
// from the bm_user_id cookie when no secret is configured.
func authenticateWS(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		if c, err := r.Cookie("bm_user_id"); err == nil && c.Value != "" {
			return c.Value, nil
		}
		return "anonymous", nil
	}

	auth := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		tokenStr = r.URL.Query().Get("token")
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", errUnauthenticated
	}

	claims := &WSClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnauthenticated, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", errUnauthenticated
	}
	return claims.UserID, nil
}

// annotateRequest sets X-Request-Id when missing and appends the direct
// client address to X-Forwarded-For. It returns the request id.
func annotateRequest(r *http.Request) string {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.New().String()
		r.Header.Set(requestIDHeader, id)
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
			r.Header.Set("X-Forwarded-For", existing+", "+ip)
		} else {
			r.Header.Set("X-Forwarded-For", ip)
		}
	}
	return id
}

// routeKey groups requests for metrics.
func routeKey(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, server.IPCPrefix) {
		return "ipc:" + strings.ToLower(strings.TrimPrefix(r.URL.Path, server.IPCPrefix))
	}
	if s := r.Header.Get(server.SchemeHeader); s != "" {
		return strings.TrimSuffix(s, ":") + ":" + r.URL.Path
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// withRequestLog wraps next with request ids, metrics and a structured
// access log entry.
func withRequestLog(next http.Handler, metrics *Metrics, log logr.Logger) http.Handler {
	log = log.WithName("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := annotateRequest(r)
		w.Header().Set(requestIDHeader, id)

		route := routeKey(r)
		start := time.Now()
		metrics.StartRequest(route)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.EndRequest(route, elapsed, status >= http.StatusInternalServerError)

		log.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", status,
			"duration_ms", float64(elapsed.Microseconds())/1000,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type handlers struct {
	srv     *server.Server
	metrics *Metrics
	secret  []byte
	log     logr.Logger

	upgrader websocket.Upgrader
}

// newMux wires the runtime endpoints and the scheme handler into one mux.
func newMux(srv *server.Server, metrics *Metrics, log logr.Logger) http.Handler {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	h := &handlers{
		srv:     srv,
		metrics: metrics,
		secret:  []byte(srv.Config().Server.JWTSecret),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	srv.Router().Listen("*", func(msg *ipc.Message) {
		metrics.ObserveIPC(msg.Name)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/__ws", h.serveWS)
	mux.HandleFunc("/__ws/publish", h.publishWS)
	mux.HandleFunc("/__sse", h.serveSSE)
	mux.HandleFunc("/__sse/publish", h.publishSSE)
	mux.HandleFunc("/__runtime/health", h.health)
	mux.HandleFunc("/__runtime/metrics", h.metricsSnapshot)
	mux.Handle("/", withRequestLog(srv, metrics, log))
	return mux
}

// authorize writes 401 and reports false when r carries no valid
// credentials for the configured secret.
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := authenticateWS(r, h.secret)
	if err != nil {
		h.log.V(1).Info("rejected request", "path", r.URL.Path, "error", err.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// serveWS connects a surface. On the ipc channel incoming frames are ipc
// calls; on any other channel they are rebroadcast as client frames.
func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	log := h.log.WithName("ws")

	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = server.IPCChannel
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err, "upgrade failed")
		return
	}
	defer conn.Close()

	hub := h.srv.WSHub()
	client := hub.Subscribe(channel)
	defer hub.Unsubscribe(channel, client)

	log.V(1).Info("connected", "user", userID, "channel", channel, "client", client.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Send {
			if err := conn.WriteJSON(msg); err != nil {
				log.V(1).Info("write failed", "user", userID, "error", err.Error())
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				log.V(1).Info("read failed", "user", userID, "error", err.Error())
			}
			return
		}

		if channel != server.IPCChannel {
			hub.Publish(channel, server.FrameClient, json.RawMessage(data))
			continue
		}

		var frame server.RequestPayload
		if err := json.Unmarshal(data, &frame); err != nil || frame.URI == "" {
			log.V(1).Info("ignoring malformed frame", "user", userID)
			continue
		}
		h.srv.HandleFrame(client.ID, frame)
	}
}

// publishWS pushes a frame to a room. IPCChannel carries only bridge
// results and events, so it cannot be published to.
func (h *handlers) publishWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.authorize(w, r); !ok {
		return
	}

	var body struct {
		Channel string          `json:"channel"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	if body.Channel == server.IPCChannel {
		http.Error(w, "reserved channel", http.StatusForbidden)
		return
	}

	n := h.srv.WSHub().Publish(body.Channel, body.Type, body.Data)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

// serveSSE streams runtime events to surfaces that cannot hold a socket.
func (h *handlers) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = server.EventsChannel
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hub := h.srv.SSEHub()
	client := hub.Subscribe(channel)
	defer hub.Unsubscribe(channel, client)

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev, ok := <-client.Ch():
			if !ok {
				return
			}
			if _, err := w.Write([]byte(ev.Frame())); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handlers) publishSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.authorize(w, r); !ok {
		return
	}

	var body struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Channel == "" {
		body.Channel = server.EventsChannel
	}
	if body.Event == "" {
		http.Error(w, "missing event", http.StatusBadRequest)
		return
	}

	n := h.srv.SSEHub().Publish(body.Channel, body.Event, body.Data)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	health := h.srv.Health()
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *handlers) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
