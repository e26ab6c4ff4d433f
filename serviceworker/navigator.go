package serviceworker

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/gobwas/glob"

	"go-socket/config"
)

// builtinSchemes are always navigable.
var builtinSchemes = []string{"socket:", "node:", "npm:", "ipc:"}

// Navigator decides which navigations a surface may perform.
type Navigator struct {
	log       logr.Logger
	settings  config.Settings
	protocols *Protocols
	devHost   string
	allowed   []glob.Glob
}

// NewNavigator compiles the webview_navigator_policies_allowed patterns.
// Patterns that fail to compile are logged and skipped.
func NewNavigator(settings config.Settings, protocols *Protocols, devHost string, log logr.Logger) *Navigator {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	n := &Navigator{
		log:       log.WithName("navigator"),
		settings:  settings,
		protocols: protocols,
		devHost:   devHost,
	}

	for _, pattern := range settings.Fields("webview_navigator_policies_allowed") {
		g, err := glob.Compile(pattern)
		if err != nil {
			n.log.Error(err, "ignoring navigation pattern", "pattern", pattern)
			continue
		}
		n.allowed = append(n.allowed, g)
	}
	return n
}

// IsNavigationRequestAllowed reports whether the surface at current may
// navigate to requested.
func (n *Navigator) IsNavigationRequestAllowed(current, requested string) bool {
	if requested == "about:blank" {
		return true
	}

	for _, prefix := range builtinSchemes {
		if strings.HasPrefix(requested, prefix) {
			return true
		}
	}

	for _, scheme := range n.settings.Fields("webview_protocol-handlers") {
		if strings.HasPrefix(requested, normalizeScheme(scheme)+":") {
			return true
		}
	}

	for _, entry := range n.settings.WithPrefix("webview_protocol-handlers_") {
		scheme := normalizeScheme(strings.TrimPrefix(entry.Key, "webview_protocol-handlers_"))
		if strings.HasPrefix(requested, scheme+":") {
			return true
		}
	}

	if n.protocols != nil {
		for _, scheme := range n.protocols.Schemes() {
			if strings.HasPrefix(requested, scheme+":") {
				return true
			}
		}
	}

	for _, g := range n.allowed {
		if g.Match(requested) {
			return true
		}
	}

	if n.devHost != "" && strings.HasPrefix(requested, n.devHost) {
		return true
	}

	n.log.V(1).Info("navigation ignored", "from", current, "to", requested)
	return false
}
