package plan

import "strings"

// EndReason 记录一次编排终止时走过的终态路径，下一轮据此决定
// 进入创建计划还是更新计划。
type EndReason string

const (
	EndReasonNone   EndReason = ""
	EndReasonAnswer EndReason = "planner_answer"
	EndReasonForced EndReason = "forced_termination"
)

// ChatTurn 是会话历史中的一条消息。
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session 保存一次顶层用户请求的全部编排状态。Session 由编排器独占，
// 不跨请求共享；并发请求各自持有独立实例。
type Session struct {
	Input               string
	Plans               []*Plan
	ActivePlanID        string
	SelectedTaskIndexes []int
	EndedBy             EndReason
	History             []ChatTurn
}

// NewSession 为一次用户请求创建会话状态。
func NewSession(input string) *Session {
	s := &Session{Input: strings.TrimSpace(input)}
	if s.Input != "" {
		s.History = append(s.History, ChatTurn{Role: "user", Content: s.Input})
	}
	return s
}

// AppendPlan 追加新计划并将其设为活跃计划。计划列表只增不删。
func (s *Session) AppendPlan(p *Plan) {
	if s == nil || p == nil {
		return
	}
	s.Plans = append(s.Plans, p)
	s.ActivePlanID = p.ID
	s.SelectedTaskIndexes = nil
}

// PlanByID 按 ID 查找计划。
func (s *Session) PlanByID(id string) (*Plan, error) {
	if s == nil {
		return nil, ErrPlanNotFound
	}
	for _, p := range s.Plans {
		if p != nil && p.ID == id {
			return p, nil
		}
	}
	return nil, ErrPlanNotFound
}

// ActivePlan 返回当前活跃计划；没有活跃计划时返回 ErrPlanNotFound。
func (s *Session) ActivePlan() (*Plan, error) {
	if s == nil || s.ActivePlanID == "" {
		return nil, ErrPlanNotFound
	}
	return s.PlanByID(s.ActivePlanID)
}

// AppendHistory 追加一条会话消息。历史只追加，保持顺序。
func (s *Session) AppendHistory(role, content string) {
	if s == nil || strings.TrimSpace(content) == "" {
		return
	}
	s.History = append(s.History, ChatTurn{Role: role, Content: content})
}

// RetryCeilingBreached 扫描全部计划，判断是否存在失败且重试次数
// 超过 ceiling 的任务。严格大于才触发。
func (s *Session) RetryCeilingBreached(ceiling int) (planID string, taskIndex int, breached bool) {
	if s == nil {
		return "", 0, false
	}
	for _, p := range s.Plans {
		if p == nil {
			continue
		}
		for _, task := range p.Tasks {
			if task.Status == TaskFailed && task.RetryCount > ceiling {
				return p.ID, task.Index, true
			}
		}
	}
	return "", 0, false
}
