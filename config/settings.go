package config

import (
	"sort"
	"strconv"
	"strings"
)

// Settings is the flat, string-keyed runtime configuration. Nested keys
// are joined with "_" (webview.service-workers → webview_service-workers).
type Settings map[string]string

func (s Settings) Get(key string) string {
	return s[key]
}

func (s Settings) GetDefault(key, fallback string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (s Settings) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Bool reports whether key is set to a truthy value.
func (s Settings) Bool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s[key]))
	return err == nil && v
}

// Fields splits the value of key on whitespace.
func (s Settings) Fields(key string) []string {
	return strings.Fields(s[key])
}

// WithPrefix returns the entries whose key starts with prefix, keyed by the
// remainder, in key order.
func (s Settings) WithPrefix(prefix string) []Entry {
	var out []Entry
	for k, v := range s {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out = append(out, Entry{Key: rest, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Entry is one key/value pair from Settings.
type Entry struct {
	Key   string
	Value string
}

// Clone returns a copy that can be mutated independently.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
