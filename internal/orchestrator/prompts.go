package orchestrator

import (
	"fmt"
	"strings"

	"OpenPlan-Chain/internal/capability"
	"OpenPlan-Chain/internal/knowledge"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/plan"
)

const (
	compileSystemPrompt = `你是一个链上操作规划助手。把用户目标分解为一个有序的任务计划，
并调用 create_plan 动作提交。每个任务应当是一个可独立执行的步骤；
能够绑定到已注册能力的任务请填写 action 与 args。若目标过于简单
无需规划，可直接用文字回答。`

	reconcileSystemPrompt = `你是一个链上操作规划助手。下面给出当前计划与刚刚执行完的任务结果。
调用 update_plan 动作提交任务状态变更：成功的任务标记 complete 并记录结果，
失败且值得重试的任务标记 pending 并设置 increment_retry，不再重试的标记 failed。
未被提及的任务保持原状。`

	selectSystemPrompt = `你是一个链上操作规划助手。下面给出当前计划。从中选择下一步要执行的
pending 任务子集并调用 select_tasks，或在目标已经达成、无需继续执行时调用 terminate。`

	answerSystemPrompt = `你是一个链上操作助手。根据用户的原始目标与计划执行情况，
用一段自然语言总结最终结果，直接回答用户。`
)

// actionDefinitions 将能力定义转换为推理网关可选的动作列表。
func actionDefinitions(defs []capability.Definition) []llm.ActionDefinition {
	actions := make([]llm.ActionDefinition, 0, len(defs))
	for _, def := range defs {
		actions = append(actions, llm.ActionDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return actions
}

// capabilityContext 渲染已注册域能力的文字清单，仅作为规划上下文，
// 不参与动作选择。
func capabilityContext(registry *capability.Registry) string {
	if registry == nil {
		return ""
	}
	summaries := registry.List()
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("可用的执行能力：\n")
	for _, summary := range summaries {
		b.WriteString("- ")
		b.WriteString(summary.Name)
		if summary.Description != "" {
			b.WriteString(": ")
			b.WriteString(summary.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// knowledgeContext 渲染与目标相关的知识卡片。
func knowledgeContext(provider knowledge.Provider, goal string) string {
	if provider == nil {
		return ""
	}
	cards := provider.Query(goal)
	if len(cards) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("背景知识：\n")
	for _, card := range cards {
		b.WriteString("- ")
		b.WriteString(card.Title)
		b.WriteString(": ")
		b.WriteString(card.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// renderPlan 以任务清单形式渲染计划，供更新与选择节点使用。
func renderPlan(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "计划 %s (%s)，状态 %s：\n", p.Title, p.ID, p.Status)
	for _, task := range p.Tasks {
		fmt.Fprintf(&b, "  [%d] %s  状态=%s 重试=%d", task.Index, task.Title, task.Status, task.RetryCount)
		if task.Action != "" {
			fmt.Fprintf(&b, " 能力=%s", task.Action)
		}
		if task.Result != nil {
			fmt.Fprintf(&b, " 结果=%v", task.Result)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderPlans 渲染会话内全部计划，供回答合成使用。
func renderPlans(plans []*plan.Plan) string {
	var b strings.Builder
	for _, p := range plans {
		b.WriteString(renderPlan(p))
	}
	return b.String()
}

func historyTurns(session *plan.Session) []llm.Turn {
	if session == nil || len(session.History) == 0 {
		return nil
	}
	turns := make([]llm.Turn, 0, len(session.History))
	for _, msg := range session.History {
		turns = append(turns, llm.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

func joinSections(sections ...string) string {
	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		section = strings.TrimSpace(section)
		if section != "" {
			parts = append(parts, section)
		}
	}
	return strings.Join(parts, "\n\n")
}
