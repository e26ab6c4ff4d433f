package serviceworker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go-socket/ipc"
)

var errProtocolNotRegistered = ipc.NewError(ipc.NotFoundError, "Protocol handler scheme is not registered.")

// MapRoutes returns a router mapper installing the serviceWorker.* and
// protocol.* routes backed by c.
func MapRoutes(c *Container) func(*ipc.Router) {
	return func(r *ipc.Router) {
		mapRegistrationRoutes(r, c)
		mapStorageRoutes(r, c)
		mapFetchRoutes(r, c)
		mapProtocolRoutes(r, c)
	}
}

func empty() map[string]any {
	return map[string]any{}
}

func requireID(msg *ipc.Message, key string, reply ipc.Reply) (uint64, bool) {
	id, ok := msg.Uint64(key)
	if !ok {
		reply(ipc.ErrResult(msg, ipc.NewError(ipc.TypeError, "Invalid '"+key+"' given in parameters")))
		return 0, false
	}
	return id, true
}

// stateError maps container errors onto script-visible error types.
func stateError(msg *ipc.Message, err error) ipc.Result {
	switch {
	case errors.Is(err, ErrNotFound):
		return ipc.ErrResult(msg, ipc.NewError(ipc.NotFoundError, "Not found"))
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition):
		return ipc.ErrResult(msg, ipc.NewError(ipc.InvalidStateError, err.Error()))
	default:
		return ipc.ErrResult(msg, err)
	}
}

func mapRegistrationRoutes(r *ipc.Router, c *Container) {
	r.Map("serviceWorker.register", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scriptURL", "scope"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}

		opts := RegistrationOptions{
			Type:      ScriptModule,
			Scope:     msg.Get("scope"),
			ScriptURL: msg.Get("scriptURL"),
			Scheme:    msg.GetDefault("scheme", "*"),
		}
		if id, ok := msg.Uint64("id"); ok {
			opts.ID = id
		}

		reg := c.RegisterServiceWorker(opts)
		reply(ipc.DataResult(msg, map[string]any{"registration": reg.JSON()}))
	})

	r.Map("serviceWorker.reset", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		c.Reset()
		reply(ipc.DataResult(msg, empty()))
	})

	r.Map("serviceWorker.unregister", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if id, ok := msg.Uint64("id"); ok {
			c.UnregisterServiceWorkerByID(id)
			reply(ipc.DataResult(msg, empty()))
			return
		}
		if err := ipc.ValidateParams(msg, "scope"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		c.UnregisterServiceWorker(msg.Get("scope"))
		reply(ipc.DataResult(msg, empty()))
	})

	r.Map("serviceWorker.getRegistration", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scope"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}

		scope := msg.Get("scope")
		var found *Registration
		for _, reg := range c.Registrations() {
			if strings.HasPrefix(scope, reg.Options.Scope) &&
				(found == nil || len(reg.Options.Scope) > len(found.Options.Scope)) {
				found = reg
			}
		}
		if found == nil {
			reply(ipc.DataResult(msg, empty()))
			return
		}

		reply(ipc.DataResult(msg, map[string]any{
			"registration": found.JSON(),
			"client":       map[string]any{"id": strconv.FormatUint(msg.Client.ID, 10)},
		}))
	})

	r.Map("serviceWorker.getRegistrations", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		regs := c.Registrations()
		out := make([]any, 0, len(regs))
		for _, reg := range regs {
			out = append(out, reg.JSON())
		}
		reply(ipc.DataResult(msg, out))
	})

	r.Map("serviceWorker.skipWaiting", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		id, ok := requireID(msg, "id", reply)
		if !ok {
			return
		}
		if err := c.SkipWaiting(id); err != nil {
			reply(stateError(msg, err))
			return
		}
		reply(ipc.DataResult(msg, empty()))
	})

	r.Map("serviceWorker.updateState", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "id", "state"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		id, ok := requireID(msg, "id", reply)
		if !ok {
			return
		}

		workerURL, scriptURL := msg.Get("workerURL"), msg.Get("scriptURL")
		if workerURL != "" && scriptURL != "" {
			c.SetWorkerScript(workerURL, scriptURL)
		}

		if err := c.UpdateState(id, msg.Get("state")); err != nil {
			reply(stateError(msg, err))
			return
		}
		reply(ipc.DataResult(msg, empty()))
	})
}

// withRegistration resolves the registration named by the id parameter.
func withRegistration(c *Container, fn func(msg *ipc.Message, reg *Registration, reply ipc.Reply), keys ...string) ipc.Handler {
	return func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, append([]string{"id"}, keys...)...); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		id, ok := requireID(msg, "id", reply)
		if !ok {
			return
		}
		reg, ok := c.RegistrationByID(id)
		if !ok {
			reply(stateError(msg, ErrNotFound))
			return
		}
		fn(msg, reg, reply)
	}
}

func mapStorageRoutes(r *ipc.Router, c *Container) {
	r.Map("serviceWorker.storage.set", false, withRegistration(c, func(msg *ipc.Message, reg *Registration, reply ipc.Reply) {
		reg.Storage.Set(msg.Get("key"), msg.Get("value"))
		reply(ipc.DataResult(msg, empty()))
	}, "key", "value"))

	r.Map("serviceWorker.storage.get", false, withRegistration(c, func(msg *ipc.Message, reg *Registration, reply ipc.Reply) {
		value, ok := reg.Storage.Get(msg.Get("key"))
		if !ok {
			reply(stateError(msg, ErrNotFound))
			return
		}
		reply(ipc.DataResult(msg, map[string]any{"value": value}))
	}, "key"))

	r.Map("serviceWorker.storage.remove", false, withRegistration(c, func(msg *ipc.Message, reg *Registration, reply ipc.Reply) {
		reg.Storage.Remove(msg.Get("key"))
		reply(ipc.DataResult(msg, empty()))
	}, "key"))

	r.Map("serviceWorker.storage.clear", false, withRegistration(c, func(msg *ipc.Message, reg *Registration, reply ipc.Reply) {
		reg.Storage.Clear()
		reply(ipc.DataResult(msg, empty()))
	}))

	r.Map("serviceWorker.storage", false, withRegistration(c, func(msg *ipc.Message, reg *Registration, reply ipc.Reply) {
		reply(ipc.DataResult(msg, reg.Storage.JSON()))
	}))
}

func mapFetchRoutes(r *ipc.Router, c *Container) {
	r.Map("serviceWorker.fetch.request.body", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		id, ok := requireID(msg, "id", reply)
		if !ok {
			return
		}
		req, ok := c.PendingFetch(id)
		if !ok {
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.NotFoundError, "Callback 'id' given in parameters does not have a 'FetchRequest'")))
			return
		}
		result := ipc.DataResult(msg, empty())
		result.WithPost(&ipc.Post{ID: id, Body: req.Body})
		reply(result)
	})

	r.Map("serviceWorker.fetch.response", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		id, ok := requireID(msg, "id", reply)
		if !ok {
			return
		}
		clientID, ok := requireID(msg, "clientId", reply)
		if !ok {
			return
		}
		if _, ok := c.PendingFetch(id); !ok {
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.NotFoundError, "Callback 'id' given in parameters does not have a 'FetchCallback'")))
			return
		}

		status, err := strconv.Atoi(msg.GetDefault("statusCode", "200"))
		if err != nil {
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.TypeError, "Invalid 'statusCode' given in parameters")))
			return
		}

		res := FetchResponse{
			ID:         id,
			StatusCode: status,
			Header:     parseHeaderLines(msg.Get("headers")),
			Body:       msg.Buffer,
			Client:     Client{ID: clientID, Index: msg.Index},
		}
		if err := c.Respond(res, msg.Get(PreloadInjectionHeader)); err != nil {
			reply(stateError(msg, err))
			return
		}
		reply(ipc.NewResult(msg, nil))
	})

	r.Map("serviceWorker.fetch", true, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "pathname"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}

		req := FetchRequest{
			Method:   strings.ToUpper(msg.GetDefault("method", http.MethodGet)),
			Scheme:   msg.GetDefault("scheme", "socket"),
			Hostname: msg.Get("host"),
			Pathname: msg.Get("pathname"),
			Query:    strings.TrimPrefix(msg.Get("query"), "?"),
			Header:   parseHeaderLines(msg.Get("headers")),
			Body:     msg.Buffer,
			Client:   Client{ID: msg.Client.ID, Index: msg.Index},
		}

		if req.Method == http.MethodOptions {
			reply(ipc.DataResult(msg, map[string]any{"statusCode": http.StatusNoContent, "headers": empty()}))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		if msg.Cancel != nil {
			msg.Cancel.OnCancel(cancel)
		}

		ok := c.Fetch(ctx, req, func(res FetchResponse) {
			defer cancel()
			if res.StatusCode == 0 {
				reply(ipc.ErrResult(msg, "ServiceWorker request failed"))
				return
			}
			result := ipc.DataResult(msg, map[string]any{
				"id":         strconv.FormatUint(res.ID, 10),
				"statusCode": res.StatusCode,
				"headers":    headerJSON(res.Header),
			})
			result.WithPost(&ipc.Post{ID: res.ID, Body: res.Body, Headers: res.Header.Clone()})
			reply(result)
		})
		if !ok {
			cancel()
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.NotFoundError, "No service worker scope matches "+req.String())))
		}
	})
}

func mapProtocolRoutes(r *ipc.Router, c *Container) {
	protocols := c.Protocols()

	r.Map("protocol.register", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scheme"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		scheme, data := msg.Get("scheme"), msg.Get("data")
		if !protocols.Register(scheme, data) && data != "" {
			protocols.SetData(scheme, data)
		}
		reply(ipc.NewResult(msg, nil))
	})

	r.Map("protocol.unregister", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scheme"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		if !protocols.Unregister(msg.Get("scheme")) {
			reply(ipc.ErrResult(msg, errProtocolNotRegistered))
			return
		}
		reply(ipc.NewResult(msg, nil))
	})

	r.Map("protocol.getData", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scheme"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		data, ok := protocols.GetData(msg.Get("scheme"))
		if !ok {
			reply(ipc.ErrResult(msg, errProtocolNotRegistered))
			return
		}
		reply(ipc.DataResult(msg, data))
	})

	r.Map("protocol.setData", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scheme", "data"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		if !protocols.SetData(msg.Get("scheme"), msg.Get("data")) {
			reply(ipc.ErrResult(msg, errProtocolNotRegistered))
			return
		}
		reply(ipc.NewResult(msg, nil))
	})

	r.Map("protocol.getServiceWorkerRegistration", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "scheme"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		reg, ok := c.ProtocolRegistration(msg.Get("scheme"))
		if !ok {
			reply(stateError(msg, ErrNotFound))
			return
		}
		reply(ipc.DataResult(msg, map[string]any{"registration": reg.JSON()}))
	})
}
