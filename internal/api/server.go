package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/orchestrator"
	"OpenPlan-Chain/internal/plan"
	"OpenPlan-Chain/internal/storage/mysql"
	"OpenPlan-Chain/pkg/logger"
)

// Runner 抽象把一个目标跑到终态的能力，便于测试替换。
type Runner interface {
	Run(ctx context.Context, input string) (*orchestrator.RunResult, error)
}

// StatsProvider 提供作业统计查询。
type StatsProvider interface {
	Stats(ctx context.Context, opts ...executor.ListOption) (executor.JobStats, error)
}

// Server 负责暴露 REST 接口，供外部提交编排目标并查询历史运行。
type Server struct {
	addr   string
	runner Runner
	repo   mysql.RunRepository
	stats  StatsProvider
}

// RunRequest 是提交运行的请求体。
type RunRequest struct {
	Goal     string            `json:"goal"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunResponse 是提交运行的响应体。
type RunResponse struct {
	ID      string         `json:"id"`
	Goal    string         `json:"goal"`
	Answer  string         `json:"answer"`
	EndedBy plan.EndReason `json:"ended_by"`
	Plans   []*plan.Plan   `json:"plans"`
	Turns   int            `json:"turns"`
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, repo mysql.RunRepository, stats StatsProvider) *Server {
	return &Server{addr: addr, runner: runner, repo: repo, stats: stats}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunDetail)
	mux.HandleFunc("/api/v1/jobs/stats", s.handleJobStats)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

// handleSubmitRun 同步执行一次完整的编排运行并返回最终回答。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "编排服务未初始化")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "goal 不能为空")
		return
	}

	ctx := r.Context()
	result, err := s.runner.Run(ctx, req.Goal)
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}

	s.archiveRun(ctx, result)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RunResponse{
		ID:      result.ID,
		Goal:    result.Input,
		Answer:  result.Answer,
		EndedBy: result.EndedBy,
		Plans:   result.Plans,
		Turns:   result.Turns,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "运行仓库未初始化")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.repo.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// handleRunDetail 按运行 ID 返回归档记录。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "运行仓库未初始化")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "运行 ID 无效")
		return
	}

	record, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "作业服务未初始化")
		return
	}

	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// archiveRun 把运行结果写入归档仓库，失败只记录日志，不影响响应。
func (s *Server) archiveRun(ctx context.Context, result *orchestrator.RunResult) {
	if s.repo == nil || result == nil {
		return
	}

	plansJSON, err := json.Marshal(result.Plans)
	if err != nil {
		logger.L().Warn("序列化运行计划失败", "run_id", result.ID, "error", err)
		return
	}

	record := mysql.RunRecord{
		ID:        result.ID,
		Goal:      result.Input,
		Answer:    result.Answer,
		EndedBy:   string(result.EndedBy),
		PlansJSON: string(plansJSON),
		Turns:     result.Turns,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.repo.Save(ctx, record); err != nil {
		logger.L().Warn("归档运行记录失败", "run_id", result.ID, "error", err)
	}
}

func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, mysql.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
