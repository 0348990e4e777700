package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Xeros-AGiXT/Xeros/internal/auth"
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/scheduler"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

const maxBodyBytes = 1 << 20

// RunService 是 API 依赖的调度能力，scheduler.Service 实现了该接口。
type RunService interface {
	Submit(ctx context.Context, chainID string, params map[string]any) (*scheduler.Run, error)
	Get(ctx context.Context, id string) (*scheduler.Run, error)
	Cancel(ctx context.Context, id string) (*scheduler.Run, error)
	List(ctx context.Context, opts ...scheduler.ListOption) ([]*scheduler.Run, error)
	Stats(ctx context.Context, opts ...scheduler.ListOption) (scheduler.RunStats, error)
}

// ChainCatalog 提供链路定义查询，workflow.Store 实现了该接口。
type ChainCatalog interface {
	Get(id string) (*workflow.ChainDefinition, error)
	List() []*workflow.ChainDefinition
}

// RequestObserver 接收每个 HTTP 请求的统计信息。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Option 配置 Server。
type Option func(*Server)

// WithAuth 为 /api/v1 下的接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(handler http.Handler, observer RequestObserver) Option {
	return func(s *Server) {
		s.metricsHandler = handler
		s.observer = observer
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	runs            RunService
	chains          ChainCatalog
	auth            *auth.Service
	metricsHandler  http.Handler
	observer        RequestObserver
	shutdownTimeout time.Duration
	router          chi.Router
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs RunService, chains ChainCatalog, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		runs:            runs,
		chains:          chains,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// ServeHTTP 实现 http.Handler。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth.Enabled() {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{
					http.MethodPost: {auth.PermissionWrite},
					"*":             {auth.PermissionRead},
				},
				OnError: writeError,
			}))
		}
		r.Post("/runs", s.handleSubmit)
		r.Get("/runs", s.handleList)
		r.Get("/runs/{id}", s.handleGet)
		r.Post("/runs/{id}/cancel", s.handleCancel)
		r.Get("/chains", s.handleListChains)
		r.Get("/chains/{id}", s.handleGetChain)
		r.Get("/stats", s.handleStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "接口不存在"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
			Code: string(xerrors.CodeInvalidArgument), Message: "不支持的请求方法",
		}})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	ChainID string         `json:"chain_id"`
	Params  map[string]any `json:"params"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req.ChainID = strings.TrimSpace(req.ChainID)
	if req.ChainID == "" {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "chain_id 不能为空"))
		return
	}

	run, err := s.runs.Submit(r.Context(), req.ChainID, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

type listResponse struct {
	Runs   []*scheduler.Run `json:"runs"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	applied := scheduler.BuildListOptions(opts...)
	writeJSON(w, http.StatusOK, listResponse{Runs: runs, Limit: applied.Limit, Offset: applied.Offset})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains := s.chains.List()
	if chains == nil {
		chains = []*workflow.ChainDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	def, err := s.chains.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 解析 status、chain_id、q、limit、offset、order、since、until 查询参数。
func parseListOptions(r *http.Request) ([]scheduler.ListOption, error) {
	query := r.URL.Query()
	var opts []scheduler.ListOption

	if raw := query.Get("status"); raw != "" {
		var statuses []workflow.ChainStatus
		for _, part := range strings.Split(raw, ",") {
			status := workflow.ChainStatus(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的运行状态 %q", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, scheduler.WithStatuses(statuses...))
	}
	if chainID := query.Get("chain_id"); chainID != "" {
		opts = append(opts, scheduler.WithChain(chainID))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, scheduler.WithQuery(q))
	}
	for _, field := range []struct {
		name  string
		apply func(int) scheduler.ListOption
	}{
		{"limit", scheduler.WithLimit},
		{"offset", scheduler.WithOffset},
	} {
		raw := query.Get(field.name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 必须是非负整数", field.name))
		}
		opts = append(opts, field.apply(value))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, scheduler.WithSortOrder(scheduler.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能是 asc 或 desc")
	}
	for _, field := range []struct {
		name  string
		apply func(time.Time) scheduler.ListOption
	}{
		{"since", scheduler.WithUpdatedSince},
		{"until", scheduler.WithUpdatedUntil},
	} {
		raw := query.Get(field.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 必须是 RFC3339 时间", field.name))
		}
		opts = append(opts, field.apply(ts))
	}
	return opts, nil
}

// instrument 记录请求指标，标签使用路由模板而不是原始路径。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.observer == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.observer.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
