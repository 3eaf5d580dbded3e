package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"cupcake/internal/eventbus"
	"cupcake/internal/health"
	"cupcake/internal/jobs"
	"cupcake/internal/metrics"
	"cupcake/internal/observers"
	"cupcake/internal/profiles"
	"cupcake/internal/snapshot"
	"cupcake/internal/storage"
	logx "cupcake/pkg/logx"

	"github.com/gorilla/websocket"
)

type staticChecker struct{ st health.Status }

func (c staticChecker) Check(context.Context) health.Status { return c.st }

type fixture struct {
	srv    *httptest.Server
	jobs   *jobs.Store
	hub    *observers.Hub
	bus    eventbus.Bus
	audit  storage.Store
	layout jobs.Layout
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := jobs.Layout{
		SchedulerDir: filepath.Join(root, "cron.d"),
		LogDir:       filepath.Join(root, "logs"),
	}
	for _, d := range []string{layout.SchedulerDir, layout.LogDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store := jobs.NewStore(layout, logx.Nop())
	checker := staticChecker{st: health.Status{SchedulerRunning: true, Status: health.StatusOK}}
	m := metrics.New()
	bus := eventbus.New()
	snap := snapshot.New(store, checker, m, logx.Nop())
	hub := observers.NewHub(observers.NewRegistry(), snap, bus, m, logx.Nop(), observers.Config{})

	audit, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(root, "state", "cupcake.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	s := New(Deps{
		Jobs:     store,
		Health:   checker,
		Hub:      hub,
		Profiles: profiles.NewStore(filepath.Join(root, "aws", "credentials"), filepath.Join(root, "aws", "config"), logx.Nop()),
		Audit:    audit,
		Metrics:  m,
		Bus:      bus,
		Log:      logx.Nop(),
	}, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, jobs: store, hub: hub, bus: bus, audit: audit, layout: store.Layout()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func wantJSON(t *testing.T, b []byte, key, want string) {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("body %s: %v", b, err)
	}
	if m[key] != want {
		t.Fatalf("%s = %q, want %q (body %s)", key, m[key], want, b)
	}
}

var nightly = map[string]any{
	"name":          "nightly",
	"schedule":      "0 2 * * *",
	"source":        "/data",
	"destination":   "s3://bucket/data",
	"profile":       "backup",
	"storage_class": "STANDARD_IA",
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	code, body := f.do(t, http.MethodPost, "/api/job", nightly)
	if code != http.StatusOK {
		t.Fatalf("create = %d %s", code, body)
	}
	wantJSON(t, body, "message", "Job added successfully")

	select {
	case e := <-events:
		if e.Type != eventbus.JobMutated || e.Source != "nightly" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no job.mutated event")
	}

	line, err := os.ReadFile(filepath.Join(f.layout.SchedulerDir, "nightly"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(line), "--storage-class STANDARD_IA --delete >> ") {
		t.Fatalf("scheduler entry = %q", line)
	}

	code, body = f.do(t, http.MethodGet, "/api/jobs", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d %s", code, body)
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["name"] != "nightly" || list[0]["uploaded"] != float64(0) || list[0]["delete"] != true {
		t.Fatalf("list = %s", body)
	}

	code, body = f.do(t, http.MethodGet, "/api/job/nightly/stats", nil)
	if code != http.StatusOK || strings.TrimSpace(string(body)) != `{"uploaded":0,"deleted":0,"downloaded":0,"last_run":0}` {
		t.Fatalf("stats = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodDelete, "/api/job/nightly", nil)
	if code != http.StatusOK {
		t.Fatalf("delete = %d %s", code, body)
	}
	wantJSON(t, body, "message", "Job deleted successfully")

	code, body = f.do(t, http.MethodDelete, "/api/job/nightly", nil)
	if code != http.StatusNotFound {
		t.Fatalf("second delete = %d %s", code, body)
	}
	wantJSON(t, body, "detail", "Job not found")

	entries, err := f.audit.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].OK || !entries[1].OK || entries[2].Action != "job.create" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestJobCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	code, body := f.do(t, http.MethodPost, "/api/job", map[string]any{"name": "../etc", "schedule": "* * * * *"})
	if code != http.StatusBadRequest {
		t.Fatalf("bad name = %d %s", code, body)
	}
	code, body = f.do(t, http.MethodPost, "/api/job", map[string]any{
		"name": "inject", "schedule": "0 1 * * *", "source": "/data\n* * * * * root id", "destination": "s3://b",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("newline in source = %d %s", code, body)
	}
	if _, err := os.Stat(filepath.Join(f.layout.SchedulerDir, "inject")); !os.IsNotExist(err) {
		t.Fatalf("scheduler entry written: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/job", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json = %d", resp.StatusCode)
	}
}

func TestJobLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	for name, content := range map[string]string{"job.log": "live\n", "job.log.1": "older\n", "job.log.2": "oldest\n"} {
		if err := os.WriteFile(filepath.Join(f.layout.LogDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	code, body := f.do(t, http.MethodGet, "/api/job/job/logs", nil)
	if code != http.StatusOK {
		t.Fatalf("logs = %d %s", code, body)
	}
	var ll jobs.LogList
	if err := json.Unmarshal(body, &ll); err != nil {
		t.Fatal(err)
	}
	wantLogs := []string{filepath.Join(f.layout.LogDir, "job.log.1"), filepath.Join(f.layout.LogDir, "job.log")}
	if ll.Count != 3 || !slices.Equal(ll.Logs, wantLogs) {
		t.Fatalf("logs = %+v, want %v", ll, wantLogs)
	}

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/api/job/job/log/0", http.StatusOK, "live\n"},
		{"/api/job/job/log/2", http.StatusOK, "oldest\n"},
		{"/api/job/job/log/7", http.StatusNotFound, ""},
		{"/api/job/job/log/abc", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		code, body := f.do(t, http.MethodGet, tt.path, nil)
		if code != tt.code {
			t.Fatalf("%s = %d %s", tt.path, code, body)
		}
		if tt.body != "" && string(body) != tt.body {
			t.Fatalf("%s body = %q", tt.path, body)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	code, body := f.do(t, http.MethodGet, "/api/health", nil)
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	var st health.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if !st.SchedulerRunning || st.Status != health.StatusOK {
		t.Fatalf("health = %s", body)
	}
}

func TestStateSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	if err := f.jobs.Create(context.Background(), jobs.Record{Name: "a", Schedule: "0 1 * * *"}); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/cupcake"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() map[string]json.RawMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	first := read()
	if _, ok := first["jobs"]; !ok {
		t.Fatalf("snapshot = %v", first)
	}
	if _, ok := first["health"]; !ok {
		t.Fatalf("snapshot = %v", first)
	}

	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	res, err := f.hub.Refresh(context.Background())
	if err != nil || res.Delivered != 1 {
		t.Fatalf("Refresh = %+v, %v", res, err)
	}
	second := read()
	if string(second["jobs"]) != string(first["jobs"]) {
		t.Fatalf("jobs changed: %s vs %s", first["jobs"], second["jobs"])
	}

	conn.Close()
	deadline = time.Now().Add(3 * time.Second)
	for f.hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.hub.Len() != 0 {
		t.Fatal("observer not removed after disconnect")
	}
}

func TestStateSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	h := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/cupcake"), h)
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v", resp)
	}

	f = newFixture(t, Options{AllowedOrigins: []string{"http://evil.example"}})
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/cupcake"), h)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestLogLatestSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{LogTailLines: 2})
	path := f.layout.LogFile("job")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/job/job/log/latest"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := []string{"Tailing log file: " + path + " ...", "two", "three"}
	for _, w := range want {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(msg) != w {
			t.Fatalf("got %q, want %q", msg, w)
		}
	}
}

func TestLogLatestSocketMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/job/ghost/log/latest"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	path := f.layout.LogFile("ghost")
	for _, w := range []string{"Tailing log file: " + path + " ...", "Log file " + path + " not found."} {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(msg) != w {
			t.Fatalf("got %q, want %q", msg, w)
		}
	}
}

func TestProfiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	p := profiles.Profile{Name: "backup", AWSAccessKeyID: "AKIA", AWSSecretAccessKey: "secret", Region: "us-east-1", RoleARN: "arn:aws:iam::1:role/x"}

	code, body := f.do(t, http.MethodPost, "/api/profile", p)
	if code != http.StatusOK {
		t.Fatalf("put = %d %s", code, body)
	}
	wantJSON(t, body, "message", "Profile added successfully")

	code, body = f.do(t, http.MethodGet, "/api/profile/backup", nil)
	var got profiles.Profile
	if code != http.StatusOK || json.Unmarshal(body, &got) != nil || got != p {
		t.Fatalf("get = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/api/profiles", nil)
	var list []profiles.Profile
	if code != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list) != 1 {
		t.Fatalf("list = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodDelete, "/api/profile/backup", nil)
	if code != http.StatusOK {
		t.Fatalf("delete = %d %s", code, body)
	}
	wantJSON(t, body, "message", "Profile deleted successfully")

	code, _ = f.do(t, http.MethodGet, "/api/profile/backup", nil)
	if code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}

	code, _ = f.do(t, http.MethodPost, "/api/profile", profiles.Profile{Name: "x"})
	if code != http.StatusBadRequest {
		t.Fatalf("invalid put = %d", code)
	}
}

func TestMetricsAndAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	if code, _ := f.do(t, http.MethodPost, "/api/job", nightly); code != http.StatusOK {
		t.Fatalf("create = %d", code)
	}

	code, body := f.do(t, http.MethodGet, "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "cupcake_") {
		t.Fatalf("metrics = %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/api/audit?limit=5", nil)
	var entries []storage.AuditEntry
	if code != http.StatusOK || json.Unmarshal(body, &entries) != nil || len(entries) != 1 {
		t.Fatalf("audit = %d %s", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/audit?limit=0", nil); code != http.StatusBadRequest {
		t.Fatalf("audit limit=0 = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/runtime", nil); code != http.StatusNotFound {
		t.Fatalf("runtime = %d", code)
	}
}

func TestStaticFrontend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"cupcake.html":               "<html>cupcake</html>",
		"js/app.js":                  "console.log(1)",
		"cloudformation/cupcake.yml": "Resources: {}",
	} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	f := newFixture(t, Options{StaticDir: dir})

	for path, want := range map[string]string{
		"/":                     "<html>cupcake</html>",
		"/js/app.js":            "console.log(1)",
		"/download/cupcake.yml": "Resources: {}",
	} {
		code, body := f.do(t, http.MethodGet, path, nil)
		if code != http.StatusOK || string(body) != want {
			t.Fatalf("%s = %d %q", path, code, body)
		}
	}
}
