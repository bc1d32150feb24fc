package plan

import "testing"

func TestNewPlanInitialState(t *testing.T) {
	p, err := New("swap 1 BNB to USDT", []TaskSpec{
		{Title: "查询余额", Action: "balance_of"},
		{Title: "获取兑换报价", Action: "swap_quote"},
		{Title: "构建交易"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("expected generated plan id")
	}
	if p.Status != StatusActive {
		t.Fatalf("expected active plan, got %s", p.Status)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(p.Tasks))
	}
	for i, task := range p.Tasks {
		if task.Index != i {
			t.Fatalf("task %d has index %d", i, task.Index)
		}
		if task.Status != TaskPending {
			t.Fatalf("task %d not pending: %s", i, task.Status)
		}
		if task.RetryCount != 0 {
			t.Fatalf("task %d retry count %d", i, task.RetryCount)
		}
	}
}

func TestNewPlanValidation(t *testing.T) {
	if _, err := New("", []TaskSpec{{Title: "a"}}); err == nil {
		t.Fatalf("expected error for empty title")
	}
	if _, err := New("goal", nil); err == nil {
		t.Fatalf("expected error for empty task list")
	}
	if _, err := New("goal", []TaskSpec{{Title: " "}}); err == nil {
		t.Fatalf("expected error for blank task title")
	}
}

func TestApplyLeavesUntouchedTasksUnchanged(t *testing.T) {
	p, err := New("goal", []TaskSpec{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	updates := []TaskUpdate{
		{Index: 0, Status: TaskComplete, Result: "done"},
		{Index: 2, Status: TaskFailed, IncrementRetry: true},
	}
	if err := p.Apply(updates); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Tasks[0].Status != TaskComplete || p.Tasks[0].Result != "done" {
		t.Fatalf("task 0 not updated: %+v", p.Tasks[0])
	}
	if p.Tasks[2].Status != TaskFailed || p.Tasks[2].RetryCount != 1 {
		t.Fatalf("task 2 not updated: %+v", p.Tasks[2])
	}
	if p.Tasks[1].Status != TaskPending || p.Tasks[3].Status != TaskPending {
		t.Fatalf("untouched tasks changed: %+v %+v", p.Tasks[1], p.Tasks[3])
	}
}

func TestApplyRetryPreservedOnRequeue(t *testing.T) {
	p, err := New("goal", []TaskSpec{{Title: "a"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	if err := p.Apply([]TaskUpdate{{Index: 0, Status: TaskFailed, IncrementRetry: true}}); err != nil {
		t.Fatalf("apply failed update: %v", err)
	}
	// 失败任务重新排队后保留重试计数。
	if err := p.Apply([]TaskUpdate{{Index: 0, Status: TaskPending}}); err != nil {
		t.Fatalf("apply requeue update: %v", err)
	}
	if p.Tasks[0].Status != TaskPending {
		t.Fatalf("expected pending, got %s", p.Tasks[0].Status)
	}
	if p.Tasks[0].RetryCount != 1 {
		t.Fatalf("retry count reset: %d", p.Tasks[0].RetryCount)
	}
}

func TestApplyRejectsBadIndexAndStatus(t *testing.T) {
	p, err := New("goal", []TaskSpec{{Title: "a"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	if err := p.Apply([]TaskUpdate{{Index: 5, Status: TaskComplete}}); err == nil {
		t.Fatalf("expected index error")
	}
	if err := p.Apply([]TaskUpdate{{Index: 0, Status: "bogus"}}); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestSessionPlanBookkeeping(t *testing.T) {
	s := NewSession("swap 1 BNB to USDT")
	if len(s.History) != 1 || s.History[0].Role != "user" {
		t.Fatalf("expected user turn in history: %+v", s.History)
	}

	p1, _ := New("plan one", []TaskSpec{{Title: "a"}})
	p2, _ := New("plan two", []TaskSpec{{Title: "b"}})
	s.AppendPlan(p1)
	s.AppendPlan(p2)

	if s.ActivePlanID != p2.ID {
		t.Fatalf("expected latest plan active")
	}
	got, err := s.PlanByID(p1.ID)
	if err != nil || got.Title != "plan one" {
		t.Fatalf("plan lookup failed: %v", err)
	}
	if _, err := s.PlanByID("missing"); err == nil {
		t.Fatalf("expected not found")
	}
	active, err := s.ActivePlan()
	if err != nil || active.ID != p2.ID {
		t.Fatalf("active plan lookup failed: %v", err)
	}
}

func TestRetryCeilingBreached(t *testing.T) {
	s := NewSession("goal")
	p, _ := New("plan", []TaskSpec{{Title: "a"}, {Title: "b"}})
	s.AppendPlan(p)

	if _, _, breached := s.RetryCeilingBreached(3); breached {
		t.Fatalf("fresh plan should not breach")
	}

	p.Tasks[1].Status = TaskFailed
	p.Tasks[1].RetryCount = 3
	if _, _, breached := s.RetryCeilingBreached(3); breached {
		t.Fatalf("retry count equal to ceiling must not breach")
	}

	p.Tasks[1].RetryCount = 4
	planID, idx, breached := s.RetryCeilingBreached(3)
	if !breached || planID != p.ID || idx != 1 {
		t.Fatalf("expected breach on task 1, got %s %d %v", planID, idx, breached)
	}
}

func TestCloneIsolatesTaskArgs(t *testing.T) {
	p, err := New("goal", []TaskSpec{
		{Title: "查询余额", Action: "balance_of", Args: map[string]any{"address": "0xabc"}},
		{Title: "构建交易"},
	})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}

	clone := p.Clone()
	clone.Tasks[0].Args["address"] = "0xevil"
	clone.Tasks[0].Status = TaskFailed
	clone.Tasks = append(clone.Tasks, Task{Title: "多余任务"})

	if p.Tasks[0].Args["address"] != "0xabc" {
		t.Fatalf("clone mutation leaked into original args: %+v", p.Tasks[0].Args)
	}
	if p.Tasks[0].Status != TaskPending {
		t.Fatalf("clone mutation leaked into original status: %s", p.Tasks[0].Status)
	}
	if len(p.Tasks) != 2 {
		t.Fatalf("clone append changed original task list: %d", len(p.Tasks))
	}
	if p.Tasks[1].Args != nil && clone.Tasks[1].Args == nil {
		t.Fatalf("nil args must stay nil on the clone")
	}

	var nilPlan *Plan
	if nilPlan.Clone() != nil {
		t.Fatalf("nil plan must clone to nil")
	}
}
