package plan

import (
	"strings"

	"github.com/google/uuid"

	xerrors "OpenPlan-Chain/internal/errors"
)

// TaskStatus 表示计划内单个任务的生命周期状态。
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// Status 表示计划整体的生命周期状态。
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// Task 描述计划中的一个工作单元。Index 在创建时分配且保持稳定，
// 任务选择器通过它来寻址任务。Action 为空表示该任务由推理网关
// 直接完成，否则由执行器调用对应能力。
type Task struct {
	Title      string         `json:"title"`
	Index      int            `json:"index"`
	Status     TaskStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	Action     string         `json:"action,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
}

// Plan 是对用户目标的一次分解，持有有序任务序列。
type Plan struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Tasks  []Task `json:"tasks"`
	Status Status `json:"status"`
}

var (
	// ErrPlanNotFound 表示指定 ID 的计划不存在。
	ErrPlanNotFound = xerrors.New(CodePlanNotFound, "plan not found")
	// ErrTaskIndex 表示任务下标越界。
	ErrTaskIndex = xerrors.New(CodeTaskIndex, "task index out of range")
)

const (
	CodePlanNotFound   xerrors.Code = "PLAN_NOT_FOUND"
	CodeTaskIndex      xerrors.Code = "PLAN_TASK_INDEX"
	CodePlanValidation xerrors.Code = "PLAN_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{
		Message:   "plan not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskIndex, xerrors.Attributes{
		Message:   "task index out of range",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:   "plan validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// TaskSpec 描述创建计划时的单个任务定义。
type TaskSpec struct {
	Title  string
	Action string
	Args   map[string]any
}

// New 根据标题与任务定义创建一个新的计划。所有任务初始为 pending，
// 重试计数为 0，计划状态为 active。
func New(title string, specs []TaskSpec) (*Plan, error) {
	if strings.TrimSpace(title) == "" {
		return nil, xerrors.New(CodePlanValidation, "计划标题不能为空")
	}
	if len(specs) == 0 {
		return nil, xerrors.New(CodePlanValidation, "计划必须包含至少一个任务")
	}
	tasks := make([]Task, 0, len(specs))
	for idx, spec := range specs {
		if strings.TrimSpace(spec.Title) == "" {
			return nil, xerrors.New(CodePlanValidation, "任务描述不能为空")
		}
		tasks = append(tasks, Task{
			Title:  strings.TrimSpace(spec.Title),
			Index:  idx,
			Status: TaskPending,
			Action: strings.TrimSpace(spec.Action),
			Args:   cloneArgs(spec.Args),
		})
	}
	return &Plan{
		ID:     uuid.NewString(),
		Title:  strings.TrimSpace(title),
		Tasks:  tasks,
		Status: StatusActive,
	}, nil
}

// TaskUpdate 描述对单个任务的一次变更提案，由计划协调器应用。
// 任务通过 Index 匹配；IncrementRetry 表示失败后重试计数加一，
// 重试计数只增不减，failed 回到 pending 时保留原值。
type TaskUpdate struct {
	Index          int        `json:"index"`
	Status         TaskStatus `json:"status,omitempty"`
	IncrementRetry bool       `json:"increment_retry,omitempty"`
	Result         any        `json:"result,omitempty"`
}

// Apply 将一组任务变更按下标合并到计划上。未被提及的任务保持不变。
func (p *Plan) Apply(updates []TaskUpdate) error {
	if p == nil {
		return ErrPlanNotFound
	}
	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(p.Tasks) {
			return xerrors.New(CodeTaskIndex, "",
				xerrors.WithMetadata("plan_id", p.ID))
		}
		task := &p.Tasks[u.Index]
		if u.Status != "" {
			if !IsValidTaskStatus(u.Status) {
				return xerrors.New(CodePlanValidation, "非法的任务状态: "+string(u.Status))
			}
			task.Status = u.Status
		}
		if u.IncrementRetry {
			task.RetryCount++
		}
		if u.Result != nil {
			task.Result = u.Result
		}
	}
	return nil
}

// Task 返回指定下标的任务。
func (p *Plan) Task(index int) (*Task, error) {
	if p == nil {
		return nil, ErrPlanNotFound
	}
	if index < 0 || index >= len(p.Tasks) {
		return nil, ErrTaskIndex
	}
	return &p.Tasks[index], nil
}

// PendingIndexes 返回所有处于 pending 状态的任务下标。
func (p *Plan) PendingIndexes() []int {
	if p == nil {
		return nil
	}
	indexes := make([]int, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		if task.Status == TaskPending {
			indexes = append(indexes, task.Index)
		}
	}
	return indexes
}

// AllSettled 判断计划的全部任务是否都已结束（complete 或 failed）。
func (p *Plan) AllSettled() bool {
	if p == nil {
		return false
	}
	for _, task := range p.Tasks {
		if task.Status != TaskComplete && task.Status != TaskFailed {
			return false
		}
	}
	return len(p.Tasks) > 0
}

// Clone 返回计划的拷贝，供只读消费方使用。任务列表与各任务的
// 参数表相互独立，Result 载荷按只读共享，消费方不得修改。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Tasks = make([]Task, len(p.Tasks))
	copy(clone.Tasks, p.Tasks)
	for i := range clone.Tasks {
		clone.Tasks[i].Args = cloneArgs(p.Tasks[i].Args)
	}
	return &clone
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for key, value := range args {
		cloned[key] = value
	}
	return cloned
}

// IsValidTaskStatus 检查任务状态是否为支持的枚举值。
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskPending, TaskInProgress, TaskComplete, TaskFailed:
		return true
	default:
		return false
	}
}
