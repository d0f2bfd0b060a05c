// Package config loads krustletd's configuration with CLI flags taking
// precedence over environment variables, which take precedence over the
// JSON config file — the layering teacher's cobra root command does for
// flags and environment, generalized here with an additional file layer
// since, unlike a Raft-clustered node, a single kubelet instance needs one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds every value the CLI surface in the external-interfaces
// section names, after CLI/env/file precedence has been resolved.
type Config struct {
	Address             string            `json:"address"`
	Port                int               `json:"port"`
	NodeIP              string            `json:"nodeIp"`
	NodeName            string            `json:"nodeName"`
	Hostname            string            `json:"hostname"`
	DataDir             string            `json:"dataDir"`
	MaxPods             int               `json:"maxPods"`
	NodeLabels          map[string]string `json:"nodeLabels"`
	CertFile            string            `json:"certFile"`
	PrivateKeyFile      string            `json:"privateKeyFile"`
	BootstrapFile       string            `json:"bootstrapFile"`
	AllowLocalModules   bool              `json:"allowLocalModules"`
}

// Defaults returns a Config populated with the spec's documented defaults,
// except for DataDir-derived paths which are filled in by Finalize once
// DataDir itself is known.
func Defaults() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return Config{
		Address:  "0.0.0.0",
		Port:     3000,
		NodeName: hostname,
		Hostname: hostname,
		DataDir:  filepath.Join(home, ".krustlet"),
		MaxPods:  110,
	}
}

// fileConfig loads a config.json document, if present, layered under the
// defaults before env/CLI are applied.
func fileConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// envOverrides reads the documented KRUSTLET_* and bare environment
// variables and applies any that are set.
func envOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("KRUSTLET_ADDRESS"); ok {
		cfg.Address = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v, ok := os.LookupEnv("KRUSTLET_NODE_IP"); ok {
		cfg.NodeIP = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_NODE_NAME"); ok {
		cfg.NodeName = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_HOSTNAME"); ok {
		cfg.Hostname = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("MAX_PODS"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.MaxPods = p
		}
	}
	if v, ok := os.LookupEnv("NODE_LABELS"); ok {
		cfg.NodeLabels = parseLabels(v)
	}
	if v, ok := os.LookupEnv("KRUSTLET_CERT_FILE"); ok {
		cfg.CertFile = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_PRIVATE_KEY_FILE"); ok {
		cfg.PrivateKeyFile = v
	}
	if v, ok := os.LookupEnv("KRUSTLET_BOOTSTRAP_FILE"); ok {
		cfg.BootstrapFile = v
	}
}

func parseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		labels[k] = v
	}
	return labels
}

func merge(base, overlay Config) Config {
	if overlay.Address != "" {
		base.Address = overlay.Address
	}
	if overlay.Port != 0 {
		base.Port = overlay.Port
	}
	if overlay.NodeIP != "" {
		base.NodeIP = overlay.NodeIP
	}
	if overlay.NodeName != "" {
		base.NodeName = overlay.NodeName
	}
	if overlay.Hostname != "" {
		base.Hostname = overlay.Hostname
	}
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}
	if overlay.MaxPods != 0 {
		base.MaxPods = overlay.MaxPods
	}
	if len(overlay.NodeLabels) > 0 {
		base.NodeLabels = overlay.NodeLabels
	}
	if overlay.CertFile != "" {
		base.CertFile = overlay.CertFile
	}
	if overlay.PrivateKeyFile != "" {
		base.PrivateKeyFile = overlay.PrivateKeyFile
	}
	if overlay.BootstrapFile != "" {
		base.BootstrapFile = overlay.BootstrapFile
	}
	if overlay.AllowLocalModules {
		base.AllowLocalModules = overlay.AllowLocalModules
	}
	return base
}

// Load resolves configuration in file < env < cli precedence order. cli
// carries only the values the caller explicitly set on the command line
// (the cobra command is responsible for leaving unset fields zero-valued).
func Load(cli Config) (Config, error) {
	cfg := Defaults()

	configPath := filepath.Join(cfg.DataDir, "config", "config.json")
	if cli.DataDir != "" {
		configPath = filepath.Join(cli.DataDir, "config", "config.json")
	}

	file, err := fileConfig(configPath)
	if err != nil {
		return Config{}, err
	}
	cfg = merge(cfg, file)

	envOverrides(&cfg)
	cfg = merge(cfg, cli)

	Finalize(&cfg)
	return cfg, nil
}

// Finalize fills in DataDir-derived defaults for any path field the caller
// left empty and makes NodeLabels non-nil. NodeIP is left as it is.
func Finalize(cfg *Config) {
	if cfg.CertFile == "" {
		cfg.CertFile = filepath.Join(cfg.DataDir, "config", "krustlet.crt")
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = filepath.Join(cfg.DataDir, "config", "krustlet.key")
	}
	if cfg.NodeLabels == nil {
		cfg.NodeLabels = make(map[string]string)
	}
}

// KubeconfigPath is the node-identity kubeconfig path under DataDir.
func (c Config) KubeconfigPath() string {
	return filepath.Join(c.DataDir, "config", "kubeconfig")
}

// ModulesDir is the content-addressed module cache root.
func (c Config) ModulesDir() string {
	return filepath.Join(c.DataDir, "modules")
}

// PodsDir is the per-pod volume target root.
func (c Config) PodsDir() string {
	return filepath.Join(c.DataDir, "pods")
}

// PluginsDir is the plugin socket directory the registrar watches.
func (c Config) PluginsDir() string {
	return filepath.Join(c.DataDir, "plugins")
}
