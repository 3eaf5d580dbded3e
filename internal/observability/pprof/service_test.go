package pprof

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	logx "cupcake/pkg/logx"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      Config
		wantErr bool
	}{
		{"disabled defaults", Config{}, false},
		{"loopback", Config{Enabled: true, Addr: "127.0.0.1:0"}, false},
		{"localhost", Config{Enabled: true, Addr: "localhost:6060"}, false},
		{"public without token", Config{Enabled: true, Addr: "0.0.0.0:6060"}, true},
		{"public with token", Config{Enabled: true, Addr: ":6060", Token: "t"}, false},
		{"public insecure", Config{Enabled: true, Addr: ":6060", AllowInsecure: true}, false},
		{"bad addr", Config{Enabled: true, Addr: "nope"}, true},
		{"negative rate", Config{BlockProfileRate: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (got.Addr == "" || got.Prefix == "") {
				t.Fatalf("defaults not applied: %+v", got)
			}
		})
	}
}

func TestHandlerAuthAndPrefix(t *testing.T) {
	t.Parallel()
	h := Handler(Config{Prefix: "dbg", Token: "s3"})

	tests := []struct {
		path   string
		header string
		want   int
	}{
		{"/dbg/", "", http.StatusUnauthorized},
		{"/dbg/?token=wrong", "", http.StatusUnauthorized},
		{"/dbg/?token=s3", "", http.StatusOK},
		{"/dbg/", "Bearer s3", http.StatusOK},
		{"/healthz", "Bearer s3", http.StatusOK},
		{"/dbg", "", http.StatusPermanentRedirect},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s (%q) = %d, want %d", tt.path, tt.header, rec.Code, tt.want)
		}
	}
}

func TestServeStopsWithContext(t *testing.T) {
	prev := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7}
	ApplyRuntimeRates(cfg)
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, logx.Nop(), func(a net.Addr) { addrCh <- a }) }()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pprof not listening")
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
