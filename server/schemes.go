package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-socket/ipc"
	"go-socket/scheme"
	"go-socket/serviceworker"
)

// handleApp answers app scheme requests from a service worker when one
// claims the path, otherwise from the static rules.
func (s *Server) handleApp(req *scheme.Request, _ *scheme.Callbacks, done func(*scheme.Response)) {
	serveStatic := func() {
		status, header, body := s.static.Read(req.Method, req.Pathname)
		if status == http.StatusOK {
			body = s.container.Inject(req.Pathname, header, body, "")
		}

		res := scheme.NewResponse(req, status)
		res.SetHeaders(header)
		res.Send(body)
		done(res)
	}

	if s.fetch(req, done, serveStatic) {
		return
	}
	serveStatic()
}

// handleProtocol answers requests on a registered protocol handler scheme.
func (s *Server) handleProtocol(req *scheme.Request, _ *scheme.Callbacks, done func(*scheme.Response)) {
	notFound := func() {
		res := scheme.NewResponse(req, http.StatusNotFound)
		res.Finish()
		done(res)
	}

	if s.fetch(req, done, notFound) {
		return
	}
	notFound()
}

// fetch forwards req to the service worker whose scope claims it. A fetch
// the container abandons is answered by fallback. If the request is stopped
// before the worker answers, it completes with 503.
func (s *Server) fetch(req *scheme.Request, done func(*scheme.Response), fallback func()) bool {
	fr := serviceworker.FetchRequest{
		Method:   req.Method,
		Scheme:   req.Scheme,
		Hostname: req.Hostname,
		Pathname: req.Pathname,
		Query:    req.Query,
		Header:   req.Header.Clone(),
		Body:     req.Body,
		Client:   serviceworker.Client{ID: req.Client.ID},
	}

	ctx := req.Context()
	ok := s.container.Fetch(ctx, fr, func(res serviceworker.FetchResponse) {
		if res.StatusCode == serviceworker.StatusAbandoned {
			if ctx.Err() == nil {
				fallback()
			}
			return
		}
		response := scheme.NewResponse(req, res.StatusCode)
		response.SetHeaders(res.Header)
		response.Send(res.Body)
		done(response)
	})
	if !ok {
		return false
	}

	context.AfterFunc(ctx, func() {
		done(scheme.NewResponse(req, http.StatusServiceUnavailable))
	})
	return true
}

// handleIPC invokes the route named by the request path with the query as
// its arguments and the body as its buffer. /post serves a queued result
// body.
func (s *Server) handleIPC(req *scheme.Request, _ *scheme.Callbacks, done func(*scheme.Response)) {
	name := strings.Trim(req.Pathname, "/")
	if name == "post" {
		s.servePost(req, done)
		return
	}

	uri := "ipc://" + name
	if req.Query != "" {
		uri += "?" + req.Query
	}

	var once sync.Once
	reply := func(status int, fn func(*scheme.Response)) {
		once.Do(func() {
			res := scheme.NewResponse(req, status)
			fn(res)
			done(res)
		})
	}

	timer := time.AfterFunc(s.ipcTO, func() {
		reply(http.StatusGatewayTimeout, func(res *scheme.Response) {
			res.Finish()
		})
	})

	ok := s.router.InvokeURI(uri, req.Body, func(result ipc.Result) {
		timer.Stop()
		reply(http.StatusOK, func(res *scheme.Response) {
			if result.Post != nil {
				res.SetHeaders(result.Headers)
				res.Send(result.Post.Body)
				return
			}
			res.SetHeader("content-type", "application/json")
			res.SendString(result.String())
		})
	})
	if ok {
		return
	}

	timer.Stop()
	msg := ipc.ParseMessage(uri, true)
	result := ipc.ErrResult(&msg, ipc.NewError(ipc.NotFoundError, "No route for '"+name+"'"))
	reply(http.StatusNotFound, func(res *scheme.Response) {
		res.SetHeader("content-type", "application/json")
		res.SendString(result.String())
	})
}

func (s *Server) servePost(req *scheme.Request, done func(*scheme.Response)) {
	id, err := strconv.ParseUint(req.Params["id"], 10, 64)
	if err != nil {
		res := scheme.NewResponse(req, http.StatusBadRequest)
		res.Finish()
		done(res)
		return
	}

	post, ok := s.posts.Take(id)
	if !ok {
		res := scheme.NewResponse(req, http.StatusNotFound)
		res.Finish()
		done(res)
		return
	}

	res := scheme.NewResponse(req, http.StatusOK)
	res.SetHeaders(post.Headers)
	res.Send(post.Body)
	done(res)
}
