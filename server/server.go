package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"go-socket/config"
	"go-socket/ipc"
	"go-socket/scheme"
	"go-socket/serviceworker"
)

const (
	// SchemeHeader names the scheme an HTTP request is presented as.
	SchemeHeader = "x-runtime-scheme"
	// IPCPrefix routes HTTP requests to the ipc scheme.
	IPCPrefix = "/__ipc/"

	DefaultIPCTimeout = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Root   string
	Config *config.Config
	Log    logr.Logger
	// IPCTimeout bounds how long an ipc call made over HTTP waits for its
	// result.
	IPCTimeout time.Duration
}

// Server hosts the runtime for surfaces connected over HTTP. It owns the
// scheme handlers, the ipc router and the service worker container.
type Server struct {
	log       logr.Logger
	cfg       *config.Config
	root      string
	appScheme string
	bundle    string
	ipcTO     time.Duration

	registry  *scheme.Registry
	handlers  *scheme.Handlers
	router    *ipc.Router
	loop      *ipc.Loop
	container *serviceworker.Container
	navigator *serviceworker.Navigator
	bridge    *Bridge
	posts     *Posts
	wsHub     *WSHub
	sseHub    *SSEHub
	static    *Static

	mu       sync.Mutex
	declared []string
	watcher  *fsnotify.Watcher
	reloads  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.IPCTimeout <= 0 {
		opts.IPCTimeout = DefaultIPCTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:       log.WithName("server"),
		cfg:       cfg,
		root:      opts.Root,
		appScheme: cfg.Server.Scheme,
		bundle:    cfg.Settings.Get("meta_bundle_identifier"),
		ipcTO:     opts.IPCTimeout,
		registry:  scheme.NewRegistry(),
		posts:     NewPosts(),
		wsHub:     NewWSHub(log),
		sseHub:    NewSSEHub(log),
		static:    NewStatic(opts.Root, cfg.Server.Static),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.loop = ipc.NewLoop(ctx, log)
	s.bridge = NewBridge(s.wsHub, s.sseHub, s.posts, log)
	s.container = serviceworker.NewContainer(serviceworker.Options{
		PollInterval: time.Duration(cfg.Server.FetchPollMs) * time.Millisecond,
		FetchTimeout: time.Duration(cfg.Server.FetchTimeoutMs) * time.Millisecond,
	}, log)

	s.router = ipc.NewRouter(s.bridge, s.loop, log)
	s.router.Init(serviceworker.MapRoutes(s.container), s.mapRoutes)
	s.container.Init(cfg.Settings, s.bridge, s.loop)
	s.navigator = serviceworker.NewNavigator(cfg.Settings, s.container.Protocols(), devHost(cfg.Server.Addr), log)

	s.handlers = scheme.NewHandlers(s.registry, log)
	s.handlers.Configure(scheme.Configuration{
		Settings: cfg.Settings,
		Debug:    cfg.Server.Debug,
		ClientID: ipc.Rand64(),
		Platform: s,
		Context:  ctx,
	})

	if err := s.handlers.RegisterSchemeHandler(s.appScheme, s.handleApp); err != nil {
		cancel()
		return nil, err
	}
	if err := s.handlers.RegisterSchemeHandler("ipc", s.handleIPC); err != nil {
		cancel()
		return nil, err
	}
	for _, name := range s.container.Protocols().Schemes() {
		s.registerProtocol(name)
	}

	s.wg.Add(1)
	go s.expirePosts(DefaultPostTTL)

	return s, nil
}

func devHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func (s *Server) Router() *ipc.Router { return s.router }
func (s *Server) Container() *serviceworker.Container { return s.container }
func (s *Server) Navigator() *serviceworker.Navigator { return s.navigator }
func (s *Server) Handlers() *scheme.Handlers { return s.handlers }
func (s *Server) Bridge() *Bridge { return s.bridge }
func (s *Server) Posts() *Posts { return s.posts }
func (s *Server) WSHub() *WSHub { return s.wsHub }
func (s *Server) SSEHub() *SSEHub { return s.sseHub }
func (s *Server) Config() *config.Config { return s.cfg }
func (s *Server) Reloads() uint64 { return s.reloads.Load() }
func (s *Server) Root() string { return s.root }
func (s *Server) AppScheme() string { return s.appScheme }

// DeclareScheme records schemes as their first handler registers.
func (s *Server) DeclareScheme(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declared = append(s.declared, name)
	return nil
}

// Declared returns the schemes declared so far, in declaration order.
func (s *Server) Declared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.declared...)
}

// registerProtocol binds a protocol handler scheme to the worker fetch
// path. Schemes that already have a handler are left alone.
func (s *Server) registerProtocol(name string) {
	if s.handlers.HasHandlerForScheme(name) {
		return
	}
	err := s.handlers.RegisterSchemeHandler(name, s.handleProtocol)
	if err != nil && !errors.Is(err, scheme.ErrSchemeRegistered) {
		s.log.Error(err, "failed to register protocol handler", "scheme", name)
	}
}

// ServeHTTP presents r as a request on the app scheme, or on the scheme
// named by the x-runtime-scheme header, and blocks until it is answered or
// the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	name := s.appScheme
	if h := strings.TrimSpace(r.Header.Get(SchemeHeader)); h != "" {
		name = strings.TrimSuffix(h, ":")
	}
	if s.container.Protocols().HasHandler(name) {
		s.registerProtocol(name)
	}

	task := scheme.NewHTTPTask(w, r, name, s.bundle)
	builder := scheme.NewBuilder(s.handlers, task)
	if rest, ok := strings.CutPrefix(r.URL.Path, IPCPrefix); ok {
		builder.SetScheme("ipc").SetPathname("/" + rest)
	}
	req := builder.Build()

	if !s.handlers.HandleRequest(req, nil) {
		http.Error(w, "request rejected", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-task.Done():
	case <-r.Context().Done():
		s.handlers.StopTask(task)
		_ = task.Fail(http.StatusServiceUnavailable, "client closed request")
	}
}

func (s *Server) expirePosts(ttl time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.posts.Expire(ttl); n > 0 {
				s.log.V(1).Info("expired queued posts", "count", n)
			}
		}
	}
}

// HandleFrame invokes an ipc call sent by the surface connected as client.
// Its results go back to that client only. Calls with no route are
// answered with a NotFoundError result.
func (s *Server) HandleFrame(client uint64, p RequestPayload) bool {
	msg := ipc.ParseMessage(p.URI, true)
	msg.Client.ID = client
	if s.router.Invoke(msg, p.Body, nil) {
		return true
	}
	if msg.Name == "" || !s.bridge.Active() {
		return false
	}

	result := ipc.ErrResult(&msg, ipc.NewError(ipc.NotFoundError, "No route for '"+msg.Name+"'"))
	s.bridge.Send(result.Client, result.Seq, result.String(), nil)
	return false
}

// Reload re-announces every registration to the surfaces and tells them to
// reload.
func (s *Server) Reload(reason string) {
	s.reloads.Add(1)
	s.container.Reset()
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	s.bridge.Emit("runtime.reload", string(payload))
	s.log.Info("reloaded", "reason", reason)
}

// Health is a snapshot of the runtime's state.
type Health struct {
	Status         string           `json:"status"`
	Ready          bool             `json:"ready"`
	Scheme         string           `json:"scheme"`
	Schemes        []string         `json:"schemes"`
	Declared       []string         `json:"declared"`
	Protocols      []string         `json:"protocols"`
	Registrations  []map[string]any `json:"registrations"`
	PendingFetches int              `json:"pending_fetches"`
	QueuedPosts    int              `json:"queued_posts"`
	LoopQueue      int              `json:"loop_queue"`
	WSClients      int              `json:"ws_clients"`
	SSEClients     int              `json:"sse_clients"`
	Reloads        uint64           `json:"reloads"`
}

func (s *Server) Health() Health {
	regs := s.container.Registrations()
	out := make([]map[string]any, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.JSON())
	}
	pending, _ := s.container.PendingFetches()

	status := "ok"
	if s.closed.Load() {
		status = "closing"
	}

	return Health{
		Status:         status,
		Ready:          s.container.Ready(),
		Scheme:         s.appScheme,
		Schemes:        s.handlers.Schemes(),
		Declared:       s.Declared(),
		Protocols:      s.container.Protocols().Schemes(),
		Registrations:  out,
		PendingFetches: pending,
		QueuedPosts:    s.posts.Len(),
		LoopQueue:      s.loop.Len(),
		WSClients:      s.wsHub.Clients(),
		SSEClients:     s.sseHub.Clients(),
		Reloads:        s.reloads.Load(),
	}
}

// Close stops accepting work, abandons deferred fetches and waits for
// background goroutines.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}

	s.bridge.Close()
	s.container.Close()
	s.loop.Stop()
	s.cancel()
	s.wg.Wait()
}
