// Package pprof serves net/http/pprof on its own listener, away from the
// public cupcake API.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"time"

	logx "cupcake/pkg/logx"
)

const (
	DefaultAddr   = "127.0.0.1:6060"
	DefaultPrefix = "/debug/pprof/"
)

// Config controls the optional profiling listener.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Normalize fills defaults and checks the bind policy.
func (c Config) Normalize() (Config, error) {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	c.Prefix = normalizePrefix(c.Prefix)
	c.Token = strings.TrimSpace(c.Token)
	if c.MutexProfileFraction < 0 || c.BlockProfileRate < 0 {
		return c, errors.New("pprof: profile rates must be >= 0")
	}
	if !c.Enabled {
		return c, nil
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return c, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", c.Addr, err)
	}
	if !c.AllowInsecure && c.Token == "" && !isLoopbackAddr(c.Addr) {
		return c, errors.New("pprof: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return c, nil
}

// ApplyRuntimeRates sets the mutex and block profiling rates. Zero turns them off.
func ApplyRuntimeRates(c Config) {
	runtime.SetMutexProfileFraction(c.MutexProfileFraction)
	runtime.SetBlockProfileRate(c.BlockProfileRate)
}

// Handler exposes /healthz and the pprof endpoints under c.Prefix.
func Handler(c Config) http.Handler {
	prefix := normalizePrefix(c.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(c.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc(prefix, wrap(indexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// Serve listens on c.Addr until ctx is canceled. ready, when set, receives
// the bound address.
func Serve(ctx context.Context, c Config, log logx.Logger, ready func(net.Addr)) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	c, err := c.Normalize()
	if err != nil {
		return err
	}
	if !c.Enabled {
		return nil
	}
	if c.AllowInsecure && c.Token == "" && !isLoopbackAddr(c.Addr) {
		log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", c.Addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("pprof listen %s: %w", c.Addr, err)
	}
	srv := &http.Server{
		Handler:     Handler(c),
		ReadTimeout: c.ReadTimeout,
		IdleTimeout: c.IdleTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	log.Info("pprof started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", c.Prefix),
		logx.Bool("token_set", c.Token != ""),
	)
	if ready != nil {
		ready(ln.Addr())
	}

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		log.Info("pprof stopped")
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// hpprof.Index expects paths rooted at /debug/pprof/, so custom prefixes are rewritten.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = DefaultPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
