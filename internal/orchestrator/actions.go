package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"OpenPlan-Chain/internal/capability"
	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/plan"
)

// 规划动作名称，暴露给推理网关选择。
const (
	ActionCreatePlan  = "create_plan"
	ActionUpdatePlan  = "update_plan"
	ActionSelectTasks = "select_tasks"
	ActionTerminate   = "terminate"
)

var (
	createPlanSchema = json.RawMessage(`{
        "type": "object",
        "properties": {
            "title": {"type": "string", "description": "计划标题"},
            "tasks": {
                "type": "array",
                "description": "按执行顺序排列的任务列表",
                "items": {
                    "type": "object",
                    "properties": {
                        "title": {"type": "string"},
                        "action": {"type": "string", "description": "可选，绑定的能力名称"},
                        "args": {"type": "object", "description": "可选，能力调用参数"}
                    },
                    "required": ["title"]
                }
            }
        },
        "required": ["title", "tasks"]
    }`)

	updatePlanSchema = json.RawMessage(`{
        "type": "object",
        "properties": {
            "plan_id": {"type": "string"},
            "updates": {
                "type": "array",
                "items": {
                    "type": "object",
                    "properties": {
                        "index": {"type": "integer"},
                        "status": {"type": "string", "enum": ["pending", "in_progress", "complete", "failed"]},
                        "increment_retry": {"type": "boolean"},
                        "result": {"description": "可选，任务产出"}
                    },
                    "required": ["index"]
                }
            }
        },
        "required": ["plan_id", "updates"]
    }`)

	selectTasksSchema = json.RawMessage(`{
        "type": "object",
        "properties": {
            "plan_id": {"type": "string"},
            "task_indexes": {
                "type": "array",
                "items": {"type": "integer"},
                "description": "下一步要执行的任务下标"
            }
        },
        "required": ["plan_id", "task_indexes"]
    }`)

	terminateSchema = json.RawMessage(`{"type": "object", "properties": {}}`)
)

// plannerActions 将四个规划动作绑定到单个会话上。每次请求构造
// 独立实例，避免跨请求共享可变状态。
type plannerActions struct {
	session  *plan.Session
	registry *capability.Registry
}

func newPlannerActions(session *plan.Session) (*plannerActions, error) {
	a := &plannerActions{session: session, registry: capability.NewRegistry()}
	defs := []capability.Definition{
		{
			Name:        ActionCreatePlan,
			Description: "将用户目标分解为一个新的有序任务计划",
			InputSchema: createPlanSchema,
			Handler:     a.createPlan,
		},
		{
			Name:        ActionUpdatePlan,
			Description: "根据任务执行结果更新既有计划",
			InputSchema: updatePlanSchema,
			Handler:     a.updatePlan,
		},
		{
			Name:        ActionSelectTasks,
			Description: "选择下一步要执行的任务子集",
			InputSchema: selectTasksSchema,
			Handler:     a.selectTasks,
		},
		{
			Name:        ActionTerminate,
			Description: "结束规划并生成最终回答",
			InputSchema: terminateSchema,
			Handler:     a.terminate,
		},
	}
	for _, def := range defs {
		if err := a.registry.Register(def); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// createPlan 分配新计划并设为活跃。
func (a *plannerActions) createPlan(_ context.Context, args map[string]any) (any, error) {
	title, err := stringArg(args, "title", true)
	if err != nil {
		return nil, err
	}
	specs, err := taskSpecsArg(args, "tasks")
	if err != nil {
		return nil, err
	}
	p, err := plan.New(title, specs)
	if err != nil {
		return nil, err
	}
	a.session.AppendPlan(p)
	return p.Clone(), nil
}

// updatePlan 将任务变更合并到指定计划。
func (a *plannerActions) updatePlan(_ context.Context, args map[string]any) (any, error) {
	planID, err := stringArg(args, "plan_id", true)
	if err != nil {
		return nil, err
	}
	updates, err := taskUpdatesArg(args, "updates")
	if err != nil {
		return nil, err
	}
	p, err := a.session.PlanByID(planID)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(updates); err != nil {
		return nil, err
	}
	if p.AllSettled() {
		p.Status = plan.StatusComplete
	}
	return p.Clone(), nil
}

// selectTasks 记录选中的计划与任务下标。
func (a *plannerActions) selectTasks(_ context.Context, args map[string]any) (any, error) {
	planID, err := stringArg(args, "plan_id", true)
	if err != nil {
		return nil, err
	}
	indexes, err := indexesArg(args, "task_indexes")
	if err != nil {
		return nil, err
	}
	p, err := a.session.PlanByID(planID)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeIndexes(indexes, len(p.Tasks))
	if err != nil {
		return nil, err
	}
	a.session.ActivePlanID = p.ID
	a.session.SelectedTaskIndexes = normalized
	return normalized, nil
}

// terminate 仅作为终止标记，不携带状态。
func (a *plannerActions) terminate(context.Context, map[string]any) (any, error) {
	return nil, nil
}

// normalizeIndexes 去重、排序并做边界检查。
func normalizeIndexes(indexes []int, taskCount int) ([]int, error) {
	if len(indexes) == 0 {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "task_indexes 不能为空")
	}
	seen := make(map[int]struct{}, len(indexes))
	result := make([]int, 0, len(indexes))
	for _, index := range indexes {
		if index < 0 || index >= taskCount {
			return nil, xerrors.New(xerrors.CodeGatewayBadAction,
				fmt.Sprintf("任务下标 %d 越界 (共 %d 个任务)", index, taskCount))
		}
		if _, ok := seen[index]; ok {
			continue
		}
		seen[index] = struct{}{}
		result = append(result, index)
	}
	sort.Ints(result)
	return result, nil
}

// stringArg 从动作参数中取字符串。required 为真时缺失或为空视为
// 畸形模型输出。
func stringArg(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", xerrors.New(xerrors.CodeGatewayBadAction, "缺少必需参数 "+key)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 必须为字符串")
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 不能为空")
	}
	return value, nil
}

// intValue 接受 JSON 解码产生的数值类型并还原整数。
func intValue(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}

func indexesArg(args map[string]any, key string) ([]int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "缺少必需参数 "+key)
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []int:
		result := make([]int, len(v))
		copy(result, v)
		return result, nil
	default:
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 必须为整数数组")
	}
	result := make([]int, 0, len(items))
	for _, item := range items {
		index, ok := intValue(item)
		if !ok {
			return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 含非整数元素")
		}
		result = append(result, index)
	}
	return result, nil
}

func taskSpecsArg(args map[string]any, key string) ([]plan.TaskSpec, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "缺少必需参数 "+key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 必须为数组")
	}
	if len(items) == 0 {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 不能为空")
	}
	specs := make([]plan.TaskSpec, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务描述不能为空")
			}
			specs = append(specs, plan.TaskSpec{Title: v})
		case map[string]any:
			title, err := stringArg(v, "title", true)
			if err != nil {
				return nil, err
			}
			action, err := stringArg(v, "action", false)
			if err != nil {
				return nil, err
			}
			spec := plan.TaskSpec{Title: title, Action: action}
			if rawArgs, ok := v["args"]; ok && rawArgs != nil {
				actionArgs, ok := rawArgs.(map[string]any)
				if !ok {
					return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务 args 必须为对象")
				}
				spec.Args = actionArgs
			}
			specs = append(specs, spec)
		default:
			return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务定义必须为字符串或对象")
		}
	}
	return specs, nil
}

func taskUpdatesArg(args map[string]any, key string) ([]plan.TaskUpdate, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "缺少必需参数 "+key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 必须为数组")
	}
	if len(items) == 0 {
		return nil, xerrors.New(xerrors.CodeGatewayBadAction, "参数 "+key+" 不能为空")
	}
	updates := make([]plan.TaskUpdate, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务变更必须为对象")
		}
		rawIndex, ok := entry["index"]
		if !ok {
			return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务变更缺少 index")
		}
		index, ok := intValue(rawIndex)
		if !ok {
			return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务变更 index 必须为整数")
		}
		update := plan.TaskUpdate{Index: index}
		if rawStatus, ok := entry["status"]; ok && rawStatus != nil {
			status, ok := rawStatus.(string)
			if !ok {
				return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务变更 status 必须为字符串")
			}
			update.Status = plan.TaskStatus(status)
		}
		if rawRetry, ok := entry["increment_retry"]; ok && rawRetry != nil {
			increment, ok := rawRetry.(bool)
			if !ok {
				return nil, xerrors.New(xerrors.CodeGatewayBadAction, "任务变更 increment_retry 必须为布尔值")
			}
			update.IncrementRetry = increment
		}
		if result, ok := entry["result"]; ok {
			update.Result = result
		}
		updates = append(updates, update)
	}
	return updates, nil
}
