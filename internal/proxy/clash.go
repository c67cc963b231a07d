package proxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ClashOptions configures the spawned instances. One instance is started per
// usable upstream node, capped at NumInstances.
type ClashOptions struct {
	ExePath      string
	ConfigPath   string
	BasePort     int
	NumInstances int
	TempDir      string
	SkipKeywords []string
}

// ClashPool derives one single-node Clash config per upstream proxy from the
// operator's base config, runs an instance on base_port + 10*i, and
// round-robins requests over the local listeners.
type ClashPool struct {
	RoundRobin
	log       *slog.Logger
	processes []*exec.Cmd
}

func NewClashPool(opts ClashOptions, log *slog.Logger) (*ClashPool, error) {
	if opts.ExePath == "" || opts.ConfigPath == "" {
		return nil, fmt.Errorf("clash exe and config paths are required")
	}
	if _, err := os.Stat(opts.ExePath); err != nil {
		return nil, fmt.Errorf("clash executable not found: %w", err)
	}
	if _, err := os.Stat(opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("clash config not found: %w", err)
	}
	if opts.BasePort < 1024 || opts.BasePort > 65535 {
		return nil, fmt.Errorf("base port %d out of range", opts.BasePort)
	}
	if opts.NumInstances < 1 || opts.NumInstances > 50 {
		return nil, fmt.Errorf("instance count %d out of range", opts.NumInstances)
	}
	if len(opts.SkipKeywords) == 0 {
		opts.SkipKeywords = []string{"DIRECT", "REJECT"}
	}

	base, err := loadBaseConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	nodes := usableNodes(base, opts.SkipKeywords)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no usable proxy nodes in %s", opts.ConfigPath)
	}
	count := opts.NumInstances
	if len(nodes) < count {
		count = len(nodes)
	}

	instanceDir := filepath.Join(opts.TempDir, "clash_instances")
	if err := os.MkdirAll(instanceDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create instance dir: %w", err)
	}

	pool := &ClashPool{log: log}
	log.Info("starting clash instances", "count", count)

	for i := 0; i < count; i++ {
		port := opts.BasePort + i*10
		configFile := filepath.Join(instanceDir, fmt.Sprintf("clash_%d.yaml", i))

		if err := writeInstanceConfig(configFile, base, nodes[i], port, 9090+i); err != nil {
			log.Warn("skipping clash instance", "index", i, "error", err)
			continue
		}
		cmd := exec.Command(opts.ExePath, "-f", configFile)
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			log.Warn("failed to start clash instance", "index", i, "error", err)
			continue
		}
		pool.processes = append(pool.processes, cmd)

		u, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
		pool.proxies = append(pool.proxies, u)
	}

	if len(pool.proxies) == 0 {
		return nil, fmt.Errorf("no clash instance started")
	}

	// Give the listeners a moment before the first request hits them.
	time.Sleep(3 * time.Second)
	log.Info("clash instances ready", "count", len(pool.proxies))
	return pool, nil
}

// Cleanup terminates the spawned instances, escalating to kill after 5s.
func (p *ClashPool) Cleanup() {
	if len(p.processes) == 0 {
		return
	}
	p.log.Info("stopping clash instances", "count", len(p.processes))
	for _, cmd := range p.processes {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func(c *exec.Cmd) {
			_ = c.Wait()
			close(done)
		}(cmd)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	}
	p.processes = nil
}

func loadBaseConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clash config: %w", err)
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse clash config: %w", err)
	}
	return cfg, nil
}

// usableNodes filters the base config's proxies by name keywords.
func usableNodes(base map[string]any, skipKeywords []string) []map[string]any {
	raw, _ := base["proxies"].([]any)
	nodes := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := node["name"].(string)
		skip := false
		for _, kw := range skipKeywords {
			if strings.Contains(name, kw) {
				skip = true
				break
			}
		}
		if !skip {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// writeInstanceConfig derives a single-node config: the instance's HTTP port,
// SOCKS on port+1, a dedicated controller port, and a match-all rule.
func writeInstanceConfig(path string, base map[string]any, node map[string]any, port, controllerPort int) error {
	inst := make(map[string]any, len(base)+6)
	for k, v := range base {
		inst[k] = v
	}
	name, _ := node["name"].(string)
	inst["port"] = port
	inst["socks-port"] = port + 1
	inst["external-controller"] = fmt.Sprintf("0.0.0.0:%d", controllerPort)
	inst["secret"] = ""
	inst["proxies"] = []any{node}
	inst["proxy-groups"] = []any{
		map[string]any{"name": "PROXY", "type": "select", "proxies": []any{name}},
	}
	inst["rules"] = []any{"MATCH,PROXY"}

	data, err := yaml.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	return nil
}
