package orchestrator

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/plan"
)

// compile 是计划编译节点：请求推理网关把用户目标分解为新计划，
// 并通过 create_plan 动作落地。网关直接给出文字时走回答捷径，
// answered 为真且 text 即为最终回答。
func (o *Orchestrator) compile(ctx context.Context, session *plan.Session, actions *plannerActions) (answered bool, text string, err error) {
	system := joinSections(
		compileSystemPrompt,
		capabilityContext(o.domain),
		knowledgeContext(o.knowledge, session.Input),
	)
	resp, err := o.gateway.Invoke(ctx, llm.PromptContext{
		System:           system,
		User:             session.Input,
		History:          historyTurns(session),
		AvailableActions: actionDefinitions(actions.registry.Definitions(ActionCreatePlan)),
	})
	if err != nil {
		return false, "", xerrors.Wrap(xerrors.CodeGatewayFailure, err, "计划编译请求失败")
	}
	if !resp.IsAction() {
		return true, resp.Text, nil
	}
	if resp.Action.Name != ActionCreatePlan {
		return false, "", xerrors.New(xerrors.CodeGatewayBadAction,
			"计划编译节点收到未知动作: "+resp.Action.Name)
	}
	if _, err := actions.registry.Execute(ctx, resp.Action.Name, resp.Action.Args); err != nil {
		return false, "", err
	}
	return false, "", nil
}

// executorInstruction 为外部执行器生成下一步说明。
func executorInstruction(p *plan.Plan, indexes []int) string {
	if p == nil || len(indexes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("执行计划 " + p.ID + " 中的任务:")
	for _, index := range indexes {
		task, err := p.Task(index)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n  [%d] %s", index, task.Title)
	}
	return b.String()
}
