package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/workspace"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
redis:
  addr: 127.0.0.1:6379
tasks:
  root: /srv/tasks
judge:
  workRoot: /tmp/work
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Judge.Backend != backendHost {
		t.Fatalf("expected host backend, got %q", cfg.Judge.Backend)
	}
	if cfg.Worker.PoolSize != 1 {
		t.Fatalf("expected pool size 1, got %d", cfg.Worker.PoolSize)
	}
	if cfg.Kafka.Enabled() || cfg.Kafka.Topics.Judge != "" {
		t.Fatalf("expected kafka disabled without brokers")
	}
}

func TestLoadAppConfigKafkaDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
redis:
  addr: 127.0.0.1:6379
tasks:
  pack:
    bucket: packs
judge:
  workRoot: /tmp/work
  backend: container
kafka:
  brokers: ["k1:9092"]
  instanceID: judge-a
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Kafka.Topics.Judge != "judge.request" || cfg.Kafka.Topics.Cancel != "judge.cancel" {
		t.Fatalf("unexpected topics %+v", cfg.Kafka.Topics)
	}
	if cfg.Kafka.PoolRetryBase != time.Second || cfg.Kafka.PoolRetryMax != 5 {
		t.Fatalf("unexpected pool retry defaults %+v", cfg.Kafka)
	}
	topics, err := cfg.Kafka.weightedTopics()
	if err != nil {
		t.Fatalf("weighted topics failed: %v", err)
	}
	if len(topics) != 2 || topics[0].Weight != 8 || topics[1].Weight != 4 {
		t.Fatalf("unexpected weighted topics %+v", topics)
	}
	opts := cfg.Kafka.subscribeOptions("judge-a", true)
	if opts.ConsumerGroup != "judge-a" || !opts.FromLatest {
		t.Fatalf("unexpected subscribe options %+v", opts)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"missing redis", "judge:\n  workRoot: /tmp\ntasks:\n  root: /srv\n"},
		{"missing work root", "redis:\n  addr: r:6379\ntasks:\n  root: /srv\n"},
		{"missing tasks", "redis:\n  addr: r:6379\njudge:\n  workRoot: /tmp\n"},
		{"unknown backend", "redis:\n  addr: r:6379\ntasks:\n  root: /srv\njudge:\n  workRoot: /tmp\n  backend: vm\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDefaultTopicWeightsSkipsEmpty(t *testing.T) {
	t.Parallel()
	got := defaultTopicWeights([]string{"a", "", "c", "d", "e"})
	if got["a"] != 8 || got["c"] != 2 || got["d"] != 1 || got["e"] != 1 {
		t.Fatalf("unexpected weights %v", got)
	}
	if _, ok := got[""]; ok {
		t.Fatalf("expected empty topic skipped")
	}
}

func TestWorkspaceOptionsForContainerUser(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  JudgeConfig
		want os.FileMode
	}{
		{name: "host", cfg: JudgeConfig{Backend: backendHost}, want: 0o755},
		{name: "container unprivileged", cfg: JudgeConfig{Backend: backendContainer, Container: executor.ContainerConfig{User: "1000:1000"}}, want: 0o777},
		{name: "container root", cfg: JudgeConfig{Backend: backendContainer, Container: executor.ContainerConfig{User: "0:0"}}, want: 0o755},
	}
	for _, tc := range cases {
		mgr, err := workspace.NewManager(t.TempDir(), workspaceOptions(tc.cfg)...)
		if err != nil {
			t.Fatalf("%s: new manager failed: %v", tc.name, err)
		}
		ws, err := mgr.Create("sub-1")
		if err != nil {
			t.Fatalf("%s: create workspace failed: %v", tc.name, err)
		}
		info, err := os.Stat(ws.Dir())
		if err != nil {
			t.Fatalf("%s: stat failed: %v", tc.name, err)
		}
		if info.Mode().Perm() != tc.want {
			t.Fatalf("%s: expected mode %o, got %o", tc.name, tc.want, info.Mode().Perm())
		}
	}
}
