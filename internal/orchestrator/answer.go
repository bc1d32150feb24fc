package orchestrator

import (
	"context"

	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/plan"
)

// synthesize 是回答合成节点：汇总全部计划与会话历史，请求推理
// 网关生成面向用户的最终回答。此节点不提供动作，也不重试，任何
// 失败都直接上抛给顶层调用方。
func (o *Orchestrator) synthesize(ctx context.Context, session *plan.Session) (string, error) {
	user := joinSections(
		"用户目标："+session.Input,
		renderPlans(session.Plans),
	)
	resp, err := o.gateway.Invoke(ctx, llm.PromptContext{
		System:  answerSystemPrompt,
		User:    user,
		History: historyTurns(session),
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeGatewayFailure, err, "回答合成请求失败")
	}
	if resp.IsAction() {
		return "", xerrors.New(xerrors.CodeGatewayBadAction, "回答合成节点收到动作应答")
	}
	if resp.Text == "" {
		return "", xerrors.New(xerrors.CodeGatewayBadAction, "回答合成节点收到空应答")
	}
	return resp.Text, nil
}
