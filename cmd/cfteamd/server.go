package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cfteam/coordinator/config"
	"github.com/cfteam/coordinator/engine"
	"github.com/cfteam/coordinator/session"
	"github.com/cfteam/coordinator/types"
)

// =============================================================================
// 🌐 HTTP 服务
// =============================================================================

// Server 暴露引擎的三个外部操作与管理端口
// API:     POST /v1/sessions, GET /v1/sessions/{id}, DELETE /v1/sessions/{id}
// 管理端口: GET /health, GET /metrics
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	store  session.Store
	logger *zap.Logger

	api   *http.Server
	admin *http.Server
}

// NewServer 创建 HTTP 服务
func NewServer(cfg *config.Config, eng *engine.Engine, store session.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		store:  store,
		logger: logger.With(zap.String("component", "http_server")),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	apiMux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}", s.handleAbortSession)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /health", s.handleHealth)
	adminMux.Handle("GET /metrics", promhttp.Handler())

	s.api = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: apiMux,
	}
	s.admin = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: adminMux,
	}
	return s
}

// Start 启动 API 与管理端口
func (s *Server) Start() error {
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.api.Addr))
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown 阻塞等待退出信号并优雅关闭
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.api.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown failed", zap.Error(err))
	}
	if err := s.admin.Shutdown(ctx); err != nil {
		s.logger.Warn("admin server shutdown failed", zap.Error(err))
	}
}

// =============================================================================
// 📡 API 处理器
// =============================================================================

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req engine.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrInternalError, "invalid request body")
		return
	}

	view, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetSessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.AbortSession(r.Context(), r.PathValue("id")); err != nil {
		writeTypedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrStoreClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTypedError 把类型化错误映射为 HTTP 状态码
func writeTypedError(w http.ResponseWriter, err error) {
	code := types.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case types.ErrSessionNotFound, types.ErrTaskNotFound,
		types.ErrUnknownAgent, types.ErrUnknownCrew, types.ErrUnknownProject:
		status = http.StatusNotFound
	case types.ErrSessionClosed, types.ErrIllegalTransition,
		types.ErrDuplicateAgent, types.ErrDependencyDeadlock,
		types.ErrDelegationDepthExceeded, types.ErrNoEligibleAgent:
		status = http.StatusConflict
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code types.ErrorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error":   string(code),
		"message": message,
	})
}
