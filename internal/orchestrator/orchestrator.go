package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"OpenPlan-Chain/internal/capability"
	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/knowledge"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/observability/alerting"
	"OpenPlan-Chain/internal/plan"
	"OpenPlan-Chain/pkg/logger"
)

// State 是编排状态机的状态枚举。
type State string

const (
	StateStart       State = "START"
	StateCreatePlan  State = "CREATE_PLAN"
	StateUpdatePlan  State = "UPDATE_PLAN"
	StateSelectTasks State = "SELECT_TASKS"
	StateAnswer      State = "ANSWER"
	StateEnd         State = "END"
)

// TurnKind 表示一轮编排的出口：继续执行或给出回答。
type TurnKind string

const (
	TurnContinue TurnKind = "continue"
	TurnAnswer   TurnKind = "answer"
)

// TurnResult 是一轮编排的产出。Kind 为 continue 时携带交给外部
// 执行器的计划与任务选择；为 answer 时携带最终回答。
type TurnResult struct {
	Kind                TurnKind
	Answer              string
	EndedBy             plan.EndReason
	ActivePlanID        string
	SelectedTaskIndexes []int
	ExecutorInput       string
	States              []State
}

// DefaultRetryCeiling 是重试上限的默认值，严格大于该值才触发强制终止。
const DefaultRetryCeiling = 3

// Orchestrator 按状态机驱动计划编译、协调、任务选择与回答合成。
// 单个实例可被并发请求共享；会话状态由调用方独立持有。
type Orchestrator struct {
	gateway      llm.Client
	domain       *capability.Registry
	knowledge    knowledge.Provider
	retryCeiling int
	alerter      alerting.Dispatcher
	logger       *slog.Logger
}

// Option 配置 Orchestrator 的可选项。
type Option func(*Orchestrator)

// WithRetryCeiling 覆盖重试上限。
func WithRetryCeiling(ceiling int) Option {
	return func(o *Orchestrator) {
		if ceiling > 0 {
			o.retryCeiling = ceiling
		}
	}
}

// WithKnowledgeProvider 注入知识库，为规划提示补充背景。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) {
		o.knowledge = provider
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New 构造 Orchestrator。gateway 必须提供；domain 为已注册的域能力，
// 仅作为规划上下文暴露给推理网关。
func New(gateway llm.Client, domain *capability.Registry, opts ...Option) (*Orchestrator, error) {
	if gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "必须提供推理网关客户端")
	}
	o := &Orchestrator{
		gateway:      gateway,
		domain:       domain,
		retryCeiling: DefaultRetryCeiling,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Turn 执行一轮编排：根据会话状态决定编译或协调计划，随后选择
// 任务或终止。outcomes 携带上一轮选中任务的执行结果，首轮为空。
func (o *Orchestrator) Turn(ctx context.Context, session *plan.Session, outcomes []executor.Outcome) (*TurnResult, error) {
	if session == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话状态不能为空")
	}
	actions, err := newPlannerActions(session)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{States: []State{StateStart}}
	state := o.startTransition(session)
	session.EndedBy = plan.EndReasonNone

	for state != StateEnd {
		result.States = append(result.States, state)
		switch state {
		case StateCreatePlan:
			answered, text, err := o.compile(ctx, session, actions)
			if err != nil {
				return nil, err
			}
			if answered {
				o.fallbackAnswer(session, result, text)
				state = StateEnd
				continue
			}
			state = StateSelectTasks

		case StateUpdatePlan:
			answered, text, err := o.reconcile(ctx, session, actions, outcomes)
			if err != nil {
				return nil, err
			}
			if answered {
				o.fallbackAnswer(session, result, text)
				state = StateEnd
				continue
			}
			state = StateSelectTasks

		case StateSelectTasks:
			sel, err := o.selectTasks(ctx, session, actions)
			if err != nil {
				return nil, err
			}
			switch sel.mode {
			case selContinue:
				active, err := session.ActivePlan()
				if err != nil {
					return nil, err
				}
				result.Kind = TurnContinue
				result.ActivePlanID = session.ActivePlanID
				result.SelectedTaskIndexes = append([]int(nil), session.SelectedTaskIndexes...)
				result.ExecutorInput = executorInstruction(active, result.SelectedTaskIndexes)
				state = StateEnd
			case selAnswerDirect:
				o.fallbackAnswer(session, result, sel.answer)
				state = StateEnd
			case selForced:
				session.EndedBy = plan.EndReasonForced
				state = StateAnswer
			default: // selTerminate
				state = StateAnswer
			}

		case StateAnswer:
			answer, err := o.synthesize(ctx, session)
			if err != nil {
				return nil, err
			}
			if session.EndedBy != plan.EndReasonForced {
				session.EndedBy = plan.EndReasonAnswer
			}
			session.AppendHistory("assistant", answer)
			result.Kind = TurnAnswer
			result.Answer = answer
			result.EndedBy = session.EndedBy
			state = StateEnd
		}
	}
	result.States = append(result.States, StateEnd)

	if o.logger != nil {
		o.logger.Debug("编排轮次结束",
			slog.String("kind", string(result.Kind)),
			slog.String("ended_by", string(result.EndedBy)),
			slog.String("plan_id", result.ActivePlanID),
		)
	}
	return result, nil
}

// startTransition 决定本轮进入编译还是协调：没有计划、活跃计划
// 已完成、或上一轮以回答结束时重新编译。
func (o *Orchestrator) startTransition(session *plan.Session) State {
	if session.EndedBy == plan.EndReasonAnswer {
		return StateCreatePlan
	}
	active, err := session.ActivePlan()
	if err != nil || active.Status == plan.StatusComplete {
		return StateCreatePlan
	}
	return StateUpdatePlan
}

// fallbackAnswer 处理推理网关直接给出文字而非动作的情况：文字本身
// 就是最终回答。
func (o *Orchestrator) fallbackAnswer(session *plan.Session, result *TurnResult, text string) {
	session.EndedBy = plan.EndReasonAnswer
	session.AppendHistory("assistant", text)
	result.Kind = TurnAnswer
	result.Answer = text
	result.EndedBy = plan.EndReasonAnswer
}

// emitCeilingAlert 在重试上限触发时派发告警。
func (o *Orchestrator) emitCeilingAlert(ctx context.Context, session *plan.Session, planID string, taskIndex int) {
	if o.alerter == nil {
		return
	}
	p, err := session.PlanByID(planID)
	retryCount := 0
	if err == nil {
		if task, taskErr := p.Task(taskIndex); taskErr == nil {
			retryCount = task.RetryCount
		}
	}
	event := alerting.Event{
		Code:       xerrors.CodeRetryCeiling,
		Message:    "任务重试次数超过上限，强制终止计划",
		Severity:   xerrors.AttributesOf(xerrors.CodeRetryCeiling).Severity,
		PlanID:     planID,
		TaskIndex:  taskIndex,
		Attempts:   retryCount,
		MaxRetries: o.retryCeiling,
		OccurredAt: time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发重试上限告警失败", slog.Any("error", err), slog.String("plan_id", planID))
	}
}
