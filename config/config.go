package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// DefaultFile is looked up in the project root when no file is given.
const DefaultFile = "runtime.toml"

// StaticRule maps a URL prefix to a directory under the project root.
type StaticRule struct {
	Prefix string `mapstructure:"prefix"`
	Dir    string `mapstructure:"dir"`
}

// Server holds the host process options.
type Server struct {
	Addr              string       `mapstructure:"addr"`
	Scheme            string       `mapstructure:"scheme"`
	HotReload         bool         `mapstructure:"hot_reload"`
	Debug             bool         `mapstructure:"debug"`
	JWTSecret         string       `mapstructure:"jwt_secret"`
	FetchPollMs       int          `mapstructure:"fetch_poll_ms"`
	FetchTimeoutMs    int          `mapstructure:"fetch_timeout_ms"`
	ShutdownTimeoutMs int          `mapstructure:"shutdown_timeout_ms"`
	Static            []StaticRule `mapstructure:"static"`
}

// Config is everything loaded from the runtime file.
type Config struct {
	Server   Server
	Settings Settings
}

// Default returns the configuration used when no file is found or a value
// is invalid.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:              ":8080",
			Scheme:            "socket",
			FetchPollMs:       8,
			FetchTimeoutMs:    32000,
			ShutdownTimeoutMs: 10000,
			Static: []StaticRule{
				{Prefix: "/", Dir: "src"},
			},
		},
		Settings: Settings{
			"meta_bundle_identifier": "co.socketsupply.app",
		},
	}
}

// NewViper returns a viper instance with the runtime defaults and
// SOCKET_-prefixed environment overrides registered.
func NewViper() *viper.Viper {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix("SOCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.scheme", def.Server.Scheme)
	v.SetDefault("server.hot_reload", def.Server.HotReload)
	v.SetDefault("server.debug", def.Server.Debug)
	v.SetDefault("server.fetch_poll_ms", def.Server.FetchPollMs)
	v.SetDefault("server.fetch_timeout_ms", def.Server.FetchTimeoutMs)
	v.SetDefault("server.shutdown_timeout_ms", def.Server.ShutdownTimeoutMs)
	_ = v.BindEnv("server.jwt_secret", "APP_JWT_SECRET")
	return v
}

// Load reads path (or DefaultFile under root when path is empty) into v
// and returns the validated configuration. A missing or unreadable file
// falls back to the defaults.
func Load(v *viper.Viper, root, path string, log logr.Logger) *Config {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("config")

	if path == "" {
		path = filepath.Join(root, DefaultFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Info("no runtime config found, using defaults", "path", path)
		} else {
			log.Info("could not read runtime config, using defaults", "path", path, "error", err.Error())
		}
	}

	cfg, err := FromViper(v, log)
	if err != nil {
		log.Error(err, "invalid runtime config, using defaults", "path", path)
		return Default()
	}
	return cfg
}

// FromViper decodes and validates the values already loaded into v.
func FromViper(v *viper.Viper, log logr.Logger) (*Config, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	cfg := &Config{
		Server: Server{
			Addr:              v.GetString("server.addr"),
			Scheme:            v.GetString("server.scheme"),
			HotReload:         v.GetBool("server.hot_reload"),
			Debug:             v.GetBool("server.debug"),
			JWTSecret:         v.GetString("server.jwt_secret"),
			FetchPollMs:       v.GetInt("server.fetch_poll_ms"),
			FetchTimeoutMs:    v.GetInt("server.fetch_timeout_ms"),
			ShutdownTimeoutMs: v.GetInt("server.shutdown_timeout_ms"),
		},
	}
	if err := v.UnmarshalKey("server.static", &cfg.Server.Static); err != nil {
		return nil, fmt.Errorf("decode server.static: %w", err)
	}

	cased, err := readKeyCase(v.ConfigFileUsed())
	if err != nil {
		log.V(1).Info("could not read key case, scopes are lowercased", "path", v.ConfigFileUsed(), "error", err.Error())
	}
	cfg.Settings = flatten(v, cased)
	validate(cfg, log)
	return cfg, nil
}

// casedPrefixes name settings whose key suffix is a scope or scheme and
// keeps the spelling from the file.
var casedPrefixes = []string{
	"webview_service-workers_",
	"webview_protocol-handlers_",
}

// flatten converts every non-server key into the flat settings form.
// Keys under the `settings` table are copied verbatim. cased maps viper's
// lowercased keys to their spelling in the file.
func flatten(v *viper.Viper, cased map[string]string) Settings {
	out := Default().Settings.Clone()

	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if key == "server" || strings.HasPrefix(key, "server.") {
			continue
		}

		name := flatName(key)
		if orig, ok := cased[key]; ok {
			if origName := flatName(orig); len(origName) == len(name) {
				for _, p := range casedPrefixes {
					if strings.HasPrefix(name, p) {
						name = p + origName[len(p):]
						break
					}
				}
			}
		}
		out[name] = stringify(v.Get(key))
	}
	return out
}

func flatName(key string) string {
	if len(key) > len("settings.") && strings.EqualFold(key[:len("settings.")], "settings.") {
		return key[len("settings."):]
	}
	return strings.ReplaceAll(key, ".", "_")
}

// readKeyCase decodes the config file again without viper and maps each
// lowercased dotted key to its spelling in the file. Formats other than
// TOML, JSON and YAML yield nil.
func readKeyCase(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	out := make(map[string]string)
	collectKeys(raw, "", out)
	return out, nil
}

func collectKeys(m map[string]any, prefix string, out map[string]string) {
	for k, v := range m {
		key := prefix + k
		if sub, ok := v.(map[string]any); ok {
			collectKeys(sub, key+".", out)
			continue
		}
		out[strings.ToLower(key)] = key
	}
}

func stringify(value any) string {
	switch t := value.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

func validate(cfg *Config, log logr.Logger) {
	def := Default()
	s := &cfg.Server

	if strings.TrimSpace(s.Addr) == "" {
		log.Info("server.addr is empty, falling back", "default", def.Server.Addr)
		s.Addr = def.Server.Addr
	}

	if s.Scheme == "" || strings.ContainsAny(s.Scheme, ":/ ") {
		log.Info("server.scheme is invalid, falling back", "scheme", s.Scheme, "default", def.Server.Scheme)
		s.Scheme = def.Server.Scheme
	}

	if s.FetchPollMs <= 0 {
		log.Info("server.fetch_poll_ms is invalid, falling back", "value", s.FetchPollMs, "default", def.Server.FetchPollMs)
		s.FetchPollMs = def.Server.FetchPollMs
	}

	if s.FetchTimeoutMs < s.FetchPollMs {
		log.Info("server.fetch_timeout_ms is invalid, falling back", "value", s.FetchTimeoutMs, "default", def.Server.FetchTimeoutMs)
		s.FetchTimeoutMs = def.Server.FetchTimeoutMs
	}

	if s.ShutdownTimeoutMs <= 0 {
		log.Info("server.shutdown_timeout_ms is invalid, falling back", "value", s.ShutdownTimeoutMs, "default", def.Server.ShutdownTimeoutMs)
		s.ShutdownTimeoutMs = def.Server.ShutdownTimeoutMs
	}

	if len(s.Static) == 0 {
		log.Info("no static rules configured, using default static rules")
		s.Static = def.Server.Static
	}
	for i, rule := range s.Static {
		if !strings.HasPrefix(rule.Prefix, "/") {
			log.Info("static prefix does not start with '/', fixing", "index", i, "prefix", rule.Prefix)
			s.Static[i].Prefix = "/" + rule.Prefix
		}
		if rule.Dir == "" {
			log.Info("static dir is empty, this rule will be ignored at runtime", "index", i)
		}
	}

	if cfg.Settings.Get("meta_bundle_identifier") == "" {
		log.Info("meta_bundle_identifier is empty, falling back", "default", def.Settings.Get("meta_bundle_identifier"))
		cfg.Settings["meta_bundle_identifier"] = def.Settings.Get("meta_bundle_identifier")
	}

	if s.Debug {
		cfg.Settings["build_debug"] = "true"
	}
}
