package orchestrator

import (
	"context"
	"log/slog"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/plan"
	"OpenPlan-Chain/pkg/logger"
)

type selectMode int

const (
	selContinue selectMode = iota
	selTerminate
	selForced
	selAnswerDirect
)

type selection struct {
	mode   selectMode
	answer string
}

// selectTasks 是任务选择节点。终止策略先于一切推理执行：任何任务
// 失败且重试次数严格超过上限时立即强制终止，不再调用推理网关。
func (o *Orchestrator) selectTasks(ctx context.Context, session *plan.Session, actions *plannerActions) (selection, error) {
	if planID, taskIndex, breached := session.RetryCeilingBreached(o.retryCeiling); breached {
		logger.Audit().Warn("重试次数超过上限，强制终止",
			slog.String("plan_id", planID),
			slog.Int("task_index", taskIndex),
			slog.Int("retry_ceiling", o.retryCeiling),
		)
		o.emitCeilingAlert(ctx, session, planID, taskIndex)
		if p, err := session.PlanByID(planID); err == nil {
			p.Status = plan.StatusComplete
		}
		return selection{mode: selForced}, nil
	}

	active, err := session.ActivePlan()
	if err != nil {
		return selection{}, err
	}

	resp, err := o.gateway.Invoke(ctx, llm.PromptContext{
		System:           selectSystemPrompt,
		User:             renderPlan(active),
		History:          historyTurns(session),
		AvailableActions: actionDefinitions(actions.registry.Definitions(ActionSelectTasks, ActionTerminate)),
	})
	if err != nil {
		return selection{}, xerrors.Wrap(xerrors.CodeGatewayFailure, err, "任务选择请求失败")
	}
	if !resp.IsAction() {
		return selection{mode: selAnswerDirect, answer: resp.Text}, nil
	}

	switch resp.Action.Name {
	case ActionSelectTasks:
		if _, err := actions.registry.Execute(ctx, resp.Action.Name, resp.Action.Args); err != nil {
			return selection{}, err
		}
		return selection{mode: selContinue}, nil
	case ActionTerminate:
		if _, err := actions.registry.Execute(ctx, resp.Action.Name, resp.Action.Args); err != nil {
			return selection{}, err
		}
		active.Status = plan.StatusComplete
		return selection{mode: selTerminate}, nil
	default:
		return selection{}, xerrors.New(xerrors.CodeGatewayBadAction,
			"任务选择节点收到未知动作: "+resp.Action.Name)
	}
}
