package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cupcake/internal/config"
	"cupcake/internal/health"
	"cupcake/internal/observability/pprof"
)

func writeConfig(t *testing.T, root string, extra map[string]any) string {
	t.Helper()
	cfg := map[string]any{
		"paths": map[string]any{
			"scheduler_dir": filepath.Join(root, "cron.d"),
			"log_dir":       filepath.Join(root, "logs"),
		},
		"http":     map[string]any{"addr": "127.0.0.1:0", "shutdown_timeout": "2s"},
		"health":   map[string]any{"backend": "command", "command": "echo crond"},
		"profiles": map[string]any{"credentials_file": filepath.Join(root, "aws", "credentials"), "config_file": filepath.Join(root, "aws", "config")},
		"logging":  map[string]any{"level": "error", "console": true},
		"storage":  map[string]any{"driver": "sqlite", "path": filepath.Join(root, "state", "audit.db")},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	for _, d := range []string{"cron.d", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "cupcake.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppServesAndStops(t *testing.T) {
	root := t.TempDir()
	a, err := NewApp(writeConfig(t, root, nil))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("http listener not ready")
	}
	base := "http://" + a.Addr()

	resp, err := http.Get(base + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var st health.Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil || !st.SchedulerRunning {
		t.Fatalf("health = %+v, %v", st, err)
	}

	body := `{"name":"docs","schedule":"15 3 * * *","source":"/srv/docs","destination":"s3://b/docs","profile":"p","storage_class":"STANDARD"}`
	resp, err = http.Post(base+"/api/job", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(root, "cron.d", "docs")); err != nil {
		t.Fatalf("scheduler entry: %v", err)
	}

	resp, err = http.Get(base + "/api/runtime")
	if err != nil {
		t.Fatal(err)
	}
	rb, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(rb), "http.server") {
		t.Fatalf("runtime = %d %s", resp.StatusCode, rb)
	}

	resp, err = http.Get(base + "/api/audit")
	if err != nil {
		t.Fatal(err)
	}
	rb, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(rb), `"action":"job.create"`) {
		t.Fatalf("audit = %s", rb)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bad.json")
	if err := os.WriteFile(path, []byte(`{"health":{"backend":"carrier-pigeon"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("bad backend accepted")
	}
	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := mustDefault()
	if _, on, err := mapStorageConfig(cfg); on || err != nil {
		t.Fatalf("nil storage = %v, %v", on, err)
	}
	cfg.Storage = storageCfg("sqlite", "", "")
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path accepted")
	}
	cfg.Storage = storageCfg("sqlite", "/tmp/a.db", "3s")
	sc, on, err := mapStorageConfig(cfg)
	if err != nil || !on || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("sqlite = %+v, %v, %v", sc, on, err)
	}
	cfg.Storage = storageCfg("NONE", "", "")
	if _, on, _ := mapStorageConfig(cfg); on {
		t.Fatal("none enabled storage")
	}
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()
	cfg := mustDefault()
	pc, err := mapPprofConfig(cfg)
	if err != nil || pc.Enabled {
		t.Fatalf("nil pprof = %+v, %v", pc, err)
	}
	cfg.Pprof = &config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	if _, err := mapPprofConfig(cfg); err == nil {
		t.Fatal("public pprof without token accepted")
	}
	cfg.Pprof = &config.PprofConfig{Enabled: true, Token: "t", ReadTimeout: "3s"}
	pc, err = mapPprofConfig(cfg)
	if err != nil || pc.Addr != pprof.DefaultAddr || pc.ReadTimeout != 3*time.Second {
		t.Fatalf("pprof = %+v, %v", pc, err)
	}
}
