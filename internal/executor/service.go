package executor

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/plan"
	"OpenPlan-Chain/pkg/logger"
)

// Service 负责按计划任务创建作业、入队并等待执行结果。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Dispatch 为计划中选中的任务创建作业并推送到队列，返回作业 ID 列表。
func (s *Service) Dispatch(ctx context.Context, runID string, p *plan.Plan, indexes []int) ([]string, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	if p == nil {
		return nil, xerrors.New(CodeJobValidation, "计划不能为空")
	}
	if len(indexes) == 0 {
		return nil, xerrors.New(CodeJobValidation, "未选中任何任务")
	}

	jobIDs := make([]string, 0, len(indexes))
	for _, index := range indexes {
		task, err := p.Task(index)
		if err != nil {
			return jobIDs, err
		}
		if strings.TrimSpace(task.Title) == "" {
			return jobIDs, xerrors.New(CodeJobValidation, "任务标题不能为空")
		}
		job := &Job{
			ID:         uuid.NewString(),
			RunID:      runID,
			PlanID:     p.ID,
			TaskIndex:  index,
			Title:      task.Title,
			Action:     task.Action,
			Args:       cloneArgs(task.Args),
			Status:     StatusPending,
			Attempts:   task.RetryCount,
			MaxRetries: s.maxRetries,
		}
		if err := s.store.Create(ctx, job); err != nil {
			return jobIDs, err
		}
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
			wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
			_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), true)
			return jobIDs, wrapped
		}
		logger.Audit().Info("作业入队成功",
			slog.String("job_id", job.ID),
			slog.String("run_id", runID),
			slog.String("plan_id", p.ID),
			slog.Int("task_index", index),
			slog.String("title", task.Title),
		)
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs, nil
}

// Await 轮询指定作业直至全部进入终态，并转换为规划层的执行结果。
func (s *Service) Await(ctx context.Context, jobIDs []string, interval time.Duration) ([]Outcome, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		pending[id] = struct{}{}
	}
	settled := make(map[string]*Job, len(jobIDs))

	for len(pending) > 0 {
		for id := range pending {
			job, err := s.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if job.Status == StatusSucceeded || job.Status == StatusFailed {
				settled[id] = job
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	outcomes := make([]Outcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, ok := settled[id]
		if !ok {
			continue
		}
		outcomes = append(outcomes, jobOutcome(job))
	}
	return outcomes, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func jobOutcome(job *Job) Outcome {
	outcome := Outcome{
		PlanID:    job.PlanID,
		TaskIndex: job.TaskIndex,
		OK:        job.Status == StatusSucceeded,
	}
	if job.Result != nil {
		outcome.Output = job.Result.Output
	}
	if !outcome.OK {
		outcome.Error = job.LastError
		if outcome.Error == "" {
			outcome.Error = string(CodeJobProcessing)
		}
	}
	return outcome
}

// IsJobError 判断错误是否为统一作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrJobNotFound) {
		return target == CodeJobNotFound
	}
	if stdErrors.Is(err, ErrJobConflict) {
		return target == CodeJobConflict
	}
	if stdErrors.Is(err, ErrJobCompleted) {
		return target == CodeJobCompleted
	}
	if stdErrors.Is(err, ErrJobExhausted) {
		return target == CodeJobExhausted
	}
	return false
}
