// Package server answers point queries over websocket connections.
//
// Each text message is a JSON object {"latitude": ..., "longitude": ...}
// and gets exactly one JSON reply. Errors are reported in the reply and
// never close the connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1F47E/pbf-geo-index/internal/logger"
)

// ErrNoAddress is the reply text when no boundary contains the point.
const ErrNoAddress = "No address found"

const (
	maxMessageSize  = 4 << 10
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Finder resolves a point to a reference string.
type Finder interface {
	Find(lat, lon float64) (string, bool)
}

// Options tune a Server. The zero value is usable.
type Options struct {
	// RateLimit caps query messages per second on each connection; zero disables it.
	RateLimit float64
	Logger    *slog.Logger
}

// Server is an http.Handler upgrading every request to a query connection.
type Server struct {
	finder   Finder
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a server answering from f. f is shared by all connections.
func New(f Finder, opts Options) *Server {
	l := opts.Logger
	if l == nil {
		l = logger.Discard()
	}

	limit, burst := rate.Inf, 0
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = max(1, int(opts.RateLimit))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		finder: f,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limit:  limit,
		burst:  burst,
		log:    l,
		ctx:    ctx,
		cancel: cancel,
	}
}

type query struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type answer struct {
	Wikipedia string `json:"wikipedia"`
}

type response struct {
	Success bool    `json:"success"`
	Data    *answer `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func parseQuery(msg []byte) (lat, lon float64, err error) {
	var q query
	if err := json.Unmarshal(msg, &q); err != nil {
		return 0, 0, err
	}
	switch {
	case q.Latitude == nil:
		return 0, 0, errors.New("missing field `latitude`")
	case q.Longitude == nil:
		return 0, 0, errors.New("missing field `longitude`")
	}
	return *q.Latitude, *q.Longitude, nil
}

// Answer builds the reply for one text message.
func (s *Server) Answer(msg []byte) []byte {
	var resp response

	lat, lon, err := parseQuery(msg)
	if err != nil {
		QueriesTotal.WithLabelValues(resultInvalid).Inc()
		resp.Error = fmt.Sprintf("Invalid query format: %v", err)
	} else {
		start := time.Now()
		ref, ok := s.finder.Find(lat, lon)
		QueryDurationUs.Observe(float64(time.Since(start).Microseconds()))
		if ok {
			QueriesTotal.WithLabelValues(resultFound).Inc()
			resp.Success = true
			resp.Data = &answer{Wikipedia: ref}
		} else {
			QueriesTotal.WithLabelValues(resultNotFound).Inc()
			resp.Error = ErrNoAddress
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		// response only holds strings and a bool
		panic(err)
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		s.log.Debug("upgrade failed", "ip", r.RemoteAddr, "err", err)
		return
	}

	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
	defer ConnectionsActive.Dec()

	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	limiter := rate.NewLimiter(s.limit, s.burst)
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", "ip", remote)

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("connection read failed", "ip", remote, "err", err)
			}
			break
		}
		if typ != websocket.TextMessage {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, s.Answer(msg)); err != nil {
			s.log.Debug("connection write failed", "ip", remote, "err", err)
			break
		}
	}

	_ = conn.Close()
	s.log.Debug("connection closed", "ip", remote)
}

// Handler serves queries at "/" and prometheus metrics at metricsPath
// (skipped when empty), with access logging.
func (s *Server) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s)
	if metricsPath != "" {
		mux.Handle(metricsPath, MetricsHandler())
	}
	return logger.AccessMiddleware(s.log)(mux)
}

// Close drops every open connection. The server must not be reused.
func (s *Server) Close() {
	s.cancel()
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener, metricsPath string) error {
	srv := &http.Server{
		Handler:           s.Handler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "addr", ln.Addr().String())
	// hijacked websocket connections are not tracked by http.Server
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr, metricsPath string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.log.Info("listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln, metricsPath)
}
