package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cupcake/internal/logtail"
	logx "cupcake/pkg/logx"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 4096
	wsCloseGrace = time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// wsObserver adapts a WebSocket connection to observers.Observer. Writes
// are serialized; the hub may send while the connection is being closed.
type wsObserver struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (o *wsObserver) Send(ctx context.Context, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("websocket closed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = o.conn.SetWriteDeadline(dl)
	} else {
		_ = o.conn.SetWriteDeadline(time.Time{})
	}
	// A write that outlives ctx through cancellation alone is cut short
	// by moving the deadline.
	stop := context.AfterFunc(ctx, func() { _ = o.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	return o.conn.WriteMessage(websocket.TextMessage, payload)
}

func (o *wsObserver) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsCloseGrace))
	o.mu.Unlock()
	return o.conn.Close()
}

// readUntilClosed discards client messages until the peer goes away.
func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// handleStateSocket registers the connection as an observer. It receives one
// snapshot immediately and every broadcast after that.
func (s *Server) handleStateSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.sendError(w, http.StatusNotFound, "live state disabled")
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	obs := &wsObserver{conn: conn}
	defer obs.Close()
	// Server shutdown cancels the request context; the peer may never hang up.
	stop := context.AfterFunc(r.Context(), func() { _ = obs.Close() })
	defer stop()

	id, err := s.deps.Hub.Connect(r.Context(), obs)
	if err != nil {
		s.log.Debug("observer connect failed", logx.Err(err))
		return
	}
	defer s.deps.Hub.Disconnect(id)
	readUntilClosed(conn)
}

// handleLogLatest streams the live log of a job as text frames.
func (s *Server) handleLogLatest(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	obs := &wsObserver{conn: conn}
	defer obs.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		readUntilClosed(conn)
		cancel()
	}()

	path := s.deps.Jobs.Layout().LogFile(name)
	opts := logtail.Options{Lines: s.opts.LogTailLines, Poll: 2 * time.Second, Log: s.log}
	err = logtail.Follow(ctx, path, opts, func(line string) error {
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		defer wcancel()
		return obs.Send(wctx, []byte(line))
	})
	if err != nil && ctx.Err() == nil {
		s.log.Debug("log stream ended", logx.String("job", name), logx.Err(err))
	}
}
