package ipc

// MapRoutes installs the routes every router carries.
func MapRoutes(r *Router) {
	r.Map("ping", false, func(msg *Message, _ *Router, reply Reply) {
		if msg.Value != "" {
			reply(DataResult(msg, msg.Value))
			return
		}
		reply(DataResult(msg, "pong"))
	})

	r.Map("log", true, func(msg *Message, router *Router, reply Reply) {
		router.log.Info(msg.Value, "client", msg.Client.ID, "index", msg.Index)
	})
}

// ValidateParams returns an error result body for the first key that is
// missing or empty, or nil when all are present.
func ValidateParams(msg *Message, keys ...string) *ErrorBody {
	for _, key := range keys {
		if !msg.Has(key) || msg.Get(key) == "" {
			return &ErrorBody{Type: TypeError, Message: "Expecting '" + key + "' in parameters"}
		}
	}
	return nil
}
