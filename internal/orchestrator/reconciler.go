package orchestrator

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/plan"
)

// reconcile 是计划协调节点：把上一轮选中任务的执行结果反馈给
// 推理网关，由 update_plan 动作把状态变更合并回活跃计划。
// 仅携带簿记信息、不含任务状态的结果在此被过滤。
func (o *Orchestrator) reconcile(ctx context.Context, session *plan.Session, actions *plannerActions, outcomes []executor.Outcome) (answered bool, text string, err error) {
	active, err := session.ActivePlan()
	if err != nil {
		return false, "", err
	}

	relevant := make([]executor.Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Bookkeeping {
			continue
		}
		relevant = append(relevant, outcome)
	}

	user := joinSections(renderPlan(active), renderOutcomes(relevant))
	resp, err := o.gateway.Invoke(ctx, llm.PromptContext{
		System:           reconcileSystemPrompt,
		User:             user,
		History:          historyTurns(session),
		AvailableActions: actionDefinitions(actions.registry.Definitions(ActionUpdatePlan)),
	})
	if err != nil {
		return false, "", xerrors.Wrap(xerrors.CodeGatewayFailure, err, "计划协调请求失败")
	}
	if !resp.IsAction() {
		return true, resp.Text, nil
	}
	if resp.Action.Name != ActionUpdatePlan {
		return false, "", xerrors.New(xerrors.CodeGatewayBadAction,
			"计划协调节点收到未知动作: "+resp.Action.Name)
	}
	if _, err := actions.registry.Execute(ctx, resp.Action.Name, resp.Action.Args); err != nil {
		return false, "", err
	}
	return false, "", nil
}

func renderOutcomes(outcomes []executor.Outcome) string {
	if len(outcomes) == 0 {
		return "本轮没有任务执行结果。"
	}
	var b strings.Builder
	b.WriteString("任务执行结果：\n")
	for _, outcome := range outcomes {
		if outcome.OK {
			fmt.Fprintf(&b, "  [%d] 成功", outcome.TaskIndex)
			if outcome.Output != "" {
				fmt.Fprintf(&b, ": %s", outcome.Output)
			}
		} else {
			fmt.Fprintf(&b, "  [%d] 失败: %s", outcome.TaskIndex, outcome.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
