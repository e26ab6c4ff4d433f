package server

import (
	"go-socket/ipc"
)

// mapRoutes installs the routes that need the host server.
func (s *Server) mapRoutes(r *ipc.Router) {
	r.Map("queuedResponse", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		id, ok := msg.Uint64("id")
		if !ok {
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.TypeError, "Invalid 'id' given in parameters")))
			return
		}

		post, ok := s.posts.Take(id)
		if !ok {
			reply(ipc.ErrResult(msg, ipc.NewError(ipc.NotFoundError, "No queued response for 'id'")))
			return
		}

		result := ipc.DataResult(msg, string(post.Body))
		for k, v := range post.Headers {
			result.Headers[k] = append([]string(nil), v...)
		}
		reply(result)
	})

	r.Map("navigator.isNavigationRequestAllowed", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		if err := ipc.ValidateParams(msg, "url"); err != nil {
			reply(ipc.ErrResult(msg, err))
			return
		}
		current := msg.GetDefault("current", s.appScheme+"://"+s.bundle+"/")
		reply(ipc.DataResult(msg, s.navigator.IsNavigationRequestAllowed(current, msg.Get("url"))))
	})

	r.Map("runtime.reload", true, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		s.Reload(msg.GetDefault("reason", "requested"))
		reply(ipc.DataResult(msg, map[string]any{"reloads": s.Reloads()}))
	})

	r.Map("runtime.health", false, func(msg *ipc.Message, _ *ipc.Router, reply ipc.Reply) {
		reply(ipc.DataResult(msg, s.Health()))
	})
}
