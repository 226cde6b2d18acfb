package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"btreekv/pkg/btree"
	"btreekv/pkg/cluster"
	"btreekv/pkg/codec"
	"btreekv/pkg/config"
	"btreekv/pkg/dberrors"
	"btreekv/pkg/metrics"
	"btreekv/pkg/raftadapter"
	"btreekv/pkg/rpc"
	"btreekv/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	defaultHeaderTimeout   = time.Second
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error
}

// iAdmin - административные операции локального хранилища
type iAdmin interface {
	Stats() store.Stats
	Check() error
	Checkpoint(ctx context.Context) error
}

// Server represents the HTTP API of one node.
type Server struct {
	// kv serves client requests, local serves requests forwarded by other nodes
	kv    cluster.KV
	local cluster.KV

	node    iRaftNode
	admin   iAdmin
	metrics *metrics.Registry

	httpServer      *http.Server
	URL             string
	addr            string
	headerTimeout   time.Duration
	shutdownTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, kv cluster.KV) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	s := &Server{
		kv:              kv,
		local:           kv,
		metrics:         metrics.NewRegistry(),
		URL:             "http://localhost:" + strconv.Itoa(port),
		addr:            ":" + strconv.Itoa(port),
		headerTimeout:   cfg.ReadHeaderTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.headerTimeout <= 0 {
		s.headerTimeout = defaultHeaderTimeout
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	return s
}

// SetLocal sets the KV used for requests carrying rpc.ForwardedHeader.
func (s *Server) SetLocal(kv cluster.KV) {
	s.local = kv
}

func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

func (s *Server) SetAdmin(admin iAdmin) {
	s.admin = admin
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.headerTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server started", "addr", s.URL)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/kv", s.handleGet)
		r.Put("/kv", s.handlePut)
		r.Delete("/kv", s.handleDelete)
		r.Post("/incr", s.handleIncrDecr(true))
		r.Post("/decr", s.handleIncrDecr(false))

		if s.admin != nil {
			r.Get("/admin/stats", s.handleStats)
			r.Get("/admin/check", s.handleCheck)
			r.Post("/admin/checkpoint", s.handleCheckpoint)
		}
	})

	// Raft endpoint только если есть node
	if s.node != nil {
		r.Post(raftadapter.RaftEndpoint, s.handleRaft)
	}

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(ww.Status()),
		}
		s.metrics.IncCounter("btreekv_http_requests_total", labels, 1)
		s.metrics.ObserveHistogram("btreekv_http_request_duration_seconds",
			map[string]string{"route": route}, time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, dberrors.ErrInvalidArgument) {
		status = http.StatusBadRequest
	} else {
		slog.Error("request failed", "op", op, "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// kvFor picks the local store for forwarded requests so that nodes with
// diverging rings do not bounce a request between each other.
func (s *Server) kvFor(r *http.Request) cluster.KV {
	if r.Header.Get(rpc.ForwardedHeader) != "" {
		return s.local
	}
	return s.kv
}

// redirectLeader sends writes to the raft leader. Followers could propose
// themselves, a redirect saves the extra forwarding hop.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil || s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" {
		// leader unknown yet — don't redirect, allow local handling
		return false, nil
	}
	if !strings.Contains(leaderAddr, "://") {
		leaderAddr = "http://" + leaderAddr
	}
	// Avoid redirect loop when leaderAddr equals this server's URL
	if leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) redirected(w http.ResponseWriter, r *http.Request) bool {
	redirected, err := s.redirectLeader(w, r)
	if err != nil {
		slog.Error("Failed to redirect to leader", "error", err)
		return true
	}
	return redirected
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.admin != nil {
		s.collectStoreMetrics()
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) collectStoreMetrics() {
	st := s.admin.Stats()
	s.metrics.SetGauge("btreekv_keys", nil, float64(st.Keys))
	s.metrics.SetGauge("btreekv_wal_last_seq", nil, float64(st.WALLastSeq))
	s.metrics.SetGauge("btreekv_wal_durable_seq", nil, float64(st.WALDurable))
	for _, sh := range st.Shards {
		l := map[string]string{"shard": strconv.Itoa(int(sh.Tree.Shard))}
		s.metrics.SetGauge("btreekv_tree_height", l, float64(sh.Tree.Height))
		s.metrics.SetGauge("btreekv_tree_nodes", l, float64(sh.Tree.Nodes))
		s.metrics.SetGauge("btreekv_tree_splits", l, float64(sh.Tree.Splits))
		s.metrics.SetGauge("btreekv_tree_merges", l, float64(sh.Tree.Merges))
		s.metrics.SetGauge("btreekv_tree_restarts", l, float64(sh.Tree.Restarts))
		s.metrics.SetGauge("btreekv_page_bytes", l, float64(sh.Pages.Bytes))
		s.metrics.SetGauge("btreekv_page_cache_hits", l, float64(sh.Pages.CacheHits))
		s.metrics.SetGauge("btreekv_page_cache_misses", l, float64(sh.Pages.CacheMisses))
		s.metrics.SetGauge("btreekv_checkpoint_seq", l, float64(sh.CheckpointSeq))
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	item, found, err := s.kvFor(r).Get(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, "get", err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(item))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	// an empty value is a valid value
	_, hasValue := r.Form["value"]
	if key == "" || !hasValue {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}
	if s.redirected(w, r) {
		return
	}

	ct, err := s.kvFor(r).Set(r.Context(), []byte(key), []byte(r.FormValue("value")))
	if err != nil {
		s.writeError(w, "set", err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSetResponse(ct))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	if s.redirected(w, r) {
		return
	}

	found, err := s.kvFor(r).Delete(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, "delete", err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// parseDelta reads the optional delta form field: a canonical unsigned
// decimal, 1 when absent.
func parseDelta(r *http.Request) (uint64, bool) {
	raw, ok := r.Form["delta"]
	if !ok {
		return 1, true
	}
	if len(raw) != 1 {
		return 0, false
	}
	return codec.ParseUint64([]byte(raw[0]))
}

func (s *Server) handleIncrDecr(increment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
			return
		}

		key := r.FormValue("key")
		if key == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
			return
		}
		delta, ok := parseDelta(r)
		if !ok {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid delta"))
			return
		}
		if s.redirected(w, r) {
			return
		}

		res, err := s.kvFor(r).IncrDecr(r.Context(), []byte(key), increment, delta)
		if err != nil {
			s.writeError(w, "incr/decr", err)
			return
		}

		status := http.StatusOK
		switch res.Status {
		case btree.IncrDecrNotFound:
			status = http.StatusNotFound
		case btree.IncrDecrNotANumber:
			status = http.StatusUnprocessableEntity
		}
		s.writeJSON(w, status, NewIncrDecrResponse(res))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.admin.Stats())
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Check(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Checkpoint(r.Context()); err != nil {
		s.writeError(w, "checkpoint", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	msg, err := raftadapter.DecodeMessage(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
