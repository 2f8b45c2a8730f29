package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override: fetch.endpoint is read
// from DEMO_FETCH_ENDPOINT.
const EnvPrefix = "DEMO"

// NewViper returns a viper instance with defaults and environment binding.
// Callers may bind flags before passing it to Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows, so every leaf of the
	// default config is registered.
	for key, val := range defaultKeys() {
		v.SetDefault(key, val)
	}
	return v
}

// Load reads the optional YAML file into v and decodes the merged result.
// A missing explicitly named file is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.Rules = cfg.Server.Rules.Normalize()
	cfg.Workload.Rules = cfg.Workload.Rules.Normalize()
	return cfg, nil
}

// Dump renders cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Keys lists every configuration key in dotted form, sorted.
func Keys() []string {
	m := defaultKeys()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// defaultKeys flattens DefaultConfig into dotted keys.
func defaultKeys() map[string]any {
	var nested map[string]any
	if err := mapstructure.Decode(*DefaultConfig(), &nested); err != nil {
		// DefaultConfig is static; a failure here is a programming error.
		panic(fmt.Sprintf("flatten default config: %v", err))
	}
	out := make(map[string]any)
	flatten("", nested, out)
	return out
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// lookupDefault returns the default value for a dotted key.
func lookupDefault(cfg *Config, key string) (any, bool) {
	var nested map[string]any
	if err := mapstructure.Decode(*cfg, &nested); err != nil {
		return nil, false
	}
	flat := make(map[string]any)
	flatten("", nested, flat)
	v, ok := flat[key]
	return v, ok
}

// IsNotFound reports whether err is viper's missing-config-file error.
func IsNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}
