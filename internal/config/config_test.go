package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "openplan.json")
	content := `{
  "web3": {"chain_config": "chain.yaml"},
  "knowledge": {"path": "knowledge.json"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %s", cfg.Server.Address)
	}
	if cfg.Storage.JobStore.Driver != "memory" || cfg.Storage.RunStore.Driver != "memory" {
		t.Fatalf("unexpected storage drivers %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected queue driver %s", cfg.Queue.Driver)
	}
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("unexpected llm provider %s", cfg.LLM.Provider)
	}
	if cfg.Orchestrator.RetryCeiling != 3 || cfg.Orchestrator.MaxTurns != 16 {
		t.Fatalf("unexpected orchestrator defaults %+v", cfg.Orchestrator)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}

	// 相对路径应当基于配置文件所在目录展开。
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chain.yaml") {
		t.Fatalf("unexpected chain config path %s", cfg.Web3.ChainConfig)
	}
	if cfg.Knowledge.Path != filepath.Join(dir, "knowledge.json") {
		t.Fatalf("unexpected knowledge path %s", cfg.Knowledge.Path)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverridesAndAbsolutePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "openplan.json")
	content := `{
  "server": {"address": ":9090"},
  "storage": {"job_store": {"driver": "mysql", "dsn": "user:pass@tcp(db:3306)/plans"}},
  "queue": {"driver": "redis", "redis": {"address": "127.0.0.1:6379"}},
  "orchestrator": {"retry_ceiling": 5},
  "runtime": {"data_dir": "/var/lib/openplan"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected server address %s", cfg.Server.Address)
	}
	// 运行存储未配置时沿用作业存储的驱动与 DSN。
	if cfg.Storage.RunStore.Driver != "mysql" || cfg.Storage.RunStore.DSN != "user:pass@tcp(db:3306)/plans" {
		t.Fatalf("unexpected run store config %+v", cfg.Storage.RunStore)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Address != "127.0.0.1:6379" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Orchestrator.RetryCeiling != 5 {
		t.Fatalf("unexpected retry ceiling %d", cfg.Orchestrator.RetryCeiling)
	}
	if cfg.Runtime.DataDir != "/var/lib/openplan" {
		t.Fatalf("absolute data dir should not be rewritten: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
