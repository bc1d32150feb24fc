package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/plan"
	"OpenPlan-Chain/pkg/logger"
)

// Reviewer 是人工审核通道：在选中任务交给执行器之前被调用，
// 拒绝时返回错误，审核期间不得修改计划状态。
type Reviewer interface {
	Review(ctx context.Context, action string, args map[string]any) error
}

// ReviewerFunc 允许用函数实现 Reviewer。
type ReviewerFunc func(ctx context.Context, action string, args map[string]any) error

// Review 实现 Reviewer。
func (f ReviewerFunc) Review(ctx context.Context, action string, args map[string]any) error {
	return f(ctx, action, args)
}

// RunResult 是一次完整编排运行的产出。
type RunResult struct {
	ID      string          `json:"id"`
	Input   string          `json:"input"`
	Answer  string          `json:"answer"`
	EndedBy plan.EndReason  `json:"ended_by"`
	Plans   []*plan.Plan    `json:"plans"`
	History []plan.ChatTurn `json:"history"`
	Turns   int             `json:"turns"`
}

// Service 把编排器与外部执行器串成完整的请求处理循环：每轮编排
// 产出任务选择后交给执行器，执行结果喂给下一轮，直到得到回答。
type Service struct {
	orch         *Orchestrator
	exec         *executor.Service
	reviewer     Reviewer
	maxTurns     int
	pollInterval time.Duration
}

// ServiceOption 配置 Service 的可选项。
type ServiceOption func(*Service)

// WithReviewer 注入人工审核通道。
func WithReviewer(reviewer Reviewer) ServiceOption {
	return func(s *Service) {
		s.reviewer = reviewer
	}
}

// WithMaxTurns 限制单次请求允许的最大编排轮数。
func WithMaxTurns(turns int) ServiceOption {
	return func(s *Service) {
		if turns > 0 {
			s.maxTurns = turns
		}
	}
}

// WithPollInterval 设置等待执行结果的轮询间隔。
func WithPollInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewService 构造编排服务。
func NewService(orch *Orchestrator, exec *executor.Service, opts ...ServiceOption) (*Service, error) {
	if orch == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "必须提供编排器")
	}
	if exec == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "必须提供执行服务")
	}
	s := &Service{
		orch:         orch,
		exec:         exec,
		maxTurns:     16,
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run 处理一个用户请求：创建独立会话状态并驱动编排循环直到产出回答。
func (s *Service) Run(ctx context.Context, input string) (*RunResult, error) {
	session := plan.NewSession(input)
	if session.Input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户输入不能为空")
	}
	runID := uuid.NewString()

	logger.Audit().Info("编排运行开始",
		slog.String("run_id", runID),
		slog.String("input", session.Input),
	)

	var outcomes []executor.Outcome
	for turn := 1; turn <= s.maxTurns; turn++ {
		result, err := s.orch.Turn(ctx, session, outcomes)
		if err != nil {
			return nil, err
		}
		if result.Kind == TurnAnswer {
			logger.Audit().Info("编排运行结束",
				slog.String("run_id", runID),
				slog.String("ended_by", string(result.EndedBy)),
				slog.Int("turns", turn),
			)
			return &RunResult{
				ID:      runID,
				Input:   session.Input,
				Answer:  result.Answer,
				EndedBy: result.EndedBy,
				Plans:   session.Plans,
				History: session.History,
				Turns:   turn,
			}, nil
		}

		active, err := session.PlanByID(result.ActivePlanID)
		if err != nil {
			return nil, err
		}
		if err := s.review(ctx, active, result.SelectedTaskIndexes); err != nil {
			return nil, err
		}

		// 选中的任务进入执行态后再入队。
		updates := make([]plan.TaskUpdate, 0, len(result.SelectedTaskIndexes))
		for _, index := range result.SelectedTaskIndexes {
			updates = append(updates, plan.TaskUpdate{Index: index, Status: plan.TaskInProgress})
		}
		if err := active.Apply(updates); err != nil {
			return nil, err
		}

		jobIDs, err := s.exec.Dispatch(ctx, runID, active, result.SelectedTaskIndexes)
		if err != nil {
			return nil, err
		}
		outcomes, err = s.exec.Await(ctx, jobIDs, s.pollInterval)
		if err != nil {
			return nil, err
		}
	}
	return nil, xerrors.New(xerrors.CodeTimeout, "编排轮数超过上限仍未得到回答")
}

// review 在执行前逐一审核选中任务，任何一个被拒绝都会中止本次运行。
func (s *Service) review(ctx context.Context, p *plan.Plan, indexes []int) error {
	if s.reviewer == nil {
		return nil
	}
	for _, index := range indexes {
		task, err := p.Task(index)
		if err != nil {
			return err
		}
		action := task.Action
		if action == "" {
			action = task.Title
		}
		if err := s.reviewer.Review(ctx, action, task.Args); err != nil {
			logger.Audit().Warn("任务被人工审核拒绝",
				slog.String("plan_id", p.ID),
				slog.Int("task_index", index),
				slog.String("action", action),
			)
			return xerrors.Wrap(xerrors.CodeReviewDenied, err, "任务未通过人工审核")
		}
	}
	return nil
}
