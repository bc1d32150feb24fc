package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"OpenPlan-Chain/internal/capability"
	xerrors "OpenPlan-Chain/internal/errors"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/observability/alerting"
	"OpenPlan-Chain/internal/plan"
)

type scriptedGateway struct {
	mu    sync.Mutex
	steps []func(llm.PromptContext) (*llm.Response, error)
	calls int
}

func (g *scriptedGateway) Invoke(_ context.Context, pc llm.PromptContext) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls >= len(g.steps) {
		return nil, fmt.Errorf("意外的第 %d 次网关调用", g.calls+1)
	}
	step := g.steps[g.calls]
	g.calls++
	return step(pc)
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func actionResponse(name string, args map[string]any) func(llm.PromptContext) (*llm.Response, error) {
	return func(llm.PromptContext) (*llm.Response, error) {
		return &llm.Response{Action: &llm.ActionCall{Name: name, Args: args}}, nil
	}
}

func textResponse(text string) func(llm.PromptContext) (*llm.Response, error) {
	return func(llm.PromptContext) (*llm.Response, error) {
		return &llm.Response{Text: text}, nil
	}
}

func newOrchestrator(t *testing.T, gateway llm.Client, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(gateway, capability.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestFirstTurnCompilesPlan(t *testing.T) {
	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionCreatePlan, map[string]any{
			"title": "swap 1 BNB to USDT",
			"tasks": []any{
				map[string]any{"title": "查询 BNB 余额"},
				map[string]any{"title": "获取兑换报价"},
				map[string]any{"title": "构造并发送兑换交易"},
			},
		}),
		func(pc llm.PromptContext) (*llm.Response, error) {
			return &llm.Response{Action: &llm.ActionCall{
				Name: ActionSelectTasks,
				Args: map[string]any{"plan_id": planIDFromPrompt(pc.User), "task_indexes": []any{float64(0)}},
			}}, nil
		},
	}}

	session := plan.NewSession("swap 1 BNB to USDT")
	o := newOrchestrator(t, gateway)

	result, err := o.Turn(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if result.Kind != TurnContinue {
		t.Fatalf("expected continue, got %s", result.Kind)
	}
	if len(session.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(session.Plans))
	}
	p := session.Plans[0]
	if p.Status != plan.StatusActive {
		t.Fatalf("expected active plan, got %s", p.Status)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(p.Tasks))
	}
	for _, task := range p.Tasks {
		if task.Status != plan.TaskPending || task.RetryCount != 0 {
			t.Fatalf("task %d not freshly pending: %+v", task.Index, task)
		}
	}
	if result.States[1] != StateCreatePlan {
		t.Fatalf("first turn must enter CREATE_PLAN, states: %v", result.States)
	}
	if result.ExecutorInput == "" {
		t.Fatalf("expected executor instruction on continue")
	}
}

func TestStartTransitions(t *testing.T) {
	o := newOrchestrator(t, &scriptedGateway{})

	empty := plan.NewSession("目标")
	if got := o.startTransition(empty); got != StateCreatePlan {
		t.Fatalf("no plans: expected CREATE_PLAN, got %s", got)
	}

	withActive := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	withActive.AppendPlan(p)
	if got := o.startTransition(withActive); got != StateUpdatePlan {
		t.Fatalf("active incomplete plan: expected UPDATE_PLAN, got %s", got)
	}

	// 上一轮以回答结束时必须重新编译，即便仍有未完成计划。
	withActive.EndedBy = plan.EndReasonAnswer
	if got := o.startTransition(withActive); got != StateCreatePlan {
		t.Fatalf("prior planner_answer: expected CREATE_PLAN, got %s", got)
	}

	withActive.EndedBy = plan.EndReasonNone
	p.Status = plan.StatusComplete
	if got := o.startTransition(withActive); got != StateCreatePlan {
		t.Fatalf("completed plan: expected CREATE_PLAN, got %s", got)
	}
}

func TestTerminationPolicyBypassesGateway(t *testing.T) {
	gateway := &scriptedGateway{} // 任何调用都会失败
	o := newOrchestrator(t, gateway)

	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)
	if err := p.Apply([]plan.TaskUpdate{{Index: 0, Status: plan.TaskFailed}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.Tasks[0].RetryCount = 4

	actions, err := newPlannerActions(session)
	if err != nil {
		t.Fatalf("planner actions: %v", err)
	}
	sel, err := o.selectTasks(context.Background(), session, actions)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.mode != selForced {
		t.Fatalf("expected forced termination, got %d", sel.mode)
	}
	if gateway.callCount() != 0 {
		t.Fatalf("termination policy must not call the gateway, got %d calls", gateway.callCount())
	}
	if p.Status != plan.StatusComplete {
		t.Fatalf("breached plan should be completed, got %s", p.Status)
	}
}

func TestRetryCeilingBoundary(t *testing.T) {
	// retryCount == ceiling 不触发，必须严格大于。
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)
	if err := p.Apply([]plan.TaskUpdate{{Index: 0, Status: plan.TaskFailed}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.Tasks[0].RetryCount = 3

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionTerminate, nil),
	}}
	o := newOrchestrator(t, gateway)

	actions, err := newPlannerActions(session)
	if err != nil {
		t.Fatalf("planner actions: %v", err)
	}
	sel, err := o.selectTasks(context.Background(), session, actions)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.mode != selTerminate {
		t.Fatalf("expected gateway-driven terminate, got %d", sel.mode)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", gateway.callCount())
	}
}

func TestForcedTerminationTurn(t *testing.T) {
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t1"}, {Title: "t2"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)
	if err := p.Apply([]plan.TaskUpdate{{Index: 0, Status: plan.TaskFailed}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.Tasks[0].RetryCount = 4

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		// 协调节点：维持现状。
		func(llm.PromptContext) (*llm.Response, error) {
			return &llm.Response{Action: &llm.ActionCall{
				Name: ActionUpdatePlan,
				Args: map[string]any{
					"plan_id": p.ID,
					"updates": []any{map[string]any{"index": float64(0), "status": "failed"}},
				},
			}}, nil
		},
		// 回答合成。
		textResponse("任务多次失败，已停止重试。"),
	}}
	o := newOrchestrator(t, gateway)

	result, err := o.Turn(context.Background(), session, []executor.Outcome{
		{PlanID: p.ID, TaskIndex: 0, OK: false, Error: "节点超时"},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.Kind != TurnAnswer {
		t.Fatalf("expected answer, got %s", result.Kind)
	}
	if result.EndedBy != plan.EndReasonForced {
		t.Fatalf("expected forced_termination, got %s", result.EndedBy)
	}
	if gateway.callCount() != 2 {
		t.Fatalf("selector must not consult the gateway when the ceiling is breached, calls=%d", gateway.callCount())
	}
	wantStates := []State{StateStart, StateUpdatePlan, StateSelectTasks, StateAnswer, StateEnd}
	if len(result.States) != len(wantStates) {
		t.Fatalf("unexpected state trace: %v", result.States)
	}
	for i, state := range wantStates {
		if result.States[i] != state {
			t.Fatalf("state %d: expected %s, got %s", i, state, result.States[i])
		}
	}
}

type capturingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func TestForcedTerminationEmitsAlert(t *testing.T) {
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t0"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)
	if err := p.Apply([]plan.TaskUpdate{{Index: 0, Status: plan.TaskFailed}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.Tasks[0].RetryCount = 4

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionUpdatePlan, map[string]any{
			"plan_id": p.ID,
			"updates": []any{map[string]any{"index": float64(0), "status": "failed"}},
		}),
		textResponse("任务多次失败，已停止重试。"),
	}}
	dispatcher := &capturingDispatcher{}
	o := newOrchestrator(t, gateway, WithAlertDispatcher(dispatcher))

	result, err := o.Turn(context.Background(), session, []executor.Outcome{
		{PlanID: p.ID, TaskIndex: 0, OK: false, Error: "节点超时"},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.EndedBy != plan.EndReasonForced {
		t.Fatalf("expected forced_termination, got %s", result.EndedBy)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("expected 1 alert event, got %d", len(dispatcher.events))
	}
	event := dispatcher.events[0]
	if event.Code != xerrors.CodeRetryCeiling {
		t.Fatalf("expected RETRY_CEILING event, got %s", event.Code)
	}
	if want := xerrors.AttributesOf(xerrors.CodeRetryCeiling).Severity; event.Severity != want {
		t.Fatalf("expected severity %s, got %s", want, event.Severity)
	}
	if event.PlanID != p.ID || event.TaskIndex != 0 || event.Attempts != 4 {
		t.Fatalf("alert event not populated: %+v", event)
	}
}

func TestSelectTasksRecordsSelection(t *testing.T) {
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t0"}, {Title: "t1"}, {Title: "t2"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionUpdatePlan, map[string]any{
			"plan_id": p.ID,
			"updates": []any{map[string]any{"index": float64(0), "status": "pending"}},
		}),
		// 乱序且重复的下标应当被规整为 [0, 2]。
		actionResponse(ActionSelectTasks, map[string]any{
			"plan_id":      p.ID,
			"task_indexes": []any{float64(2), float64(0), float64(2)},
		}),
	}}
	o := newOrchestrator(t, gateway)

	result, err := o.Turn(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.Kind != TurnContinue {
		t.Fatalf("expected continue, got %s", result.Kind)
	}
	if session.ActivePlanID != p.ID || result.ActivePlanID != p.ID {
		t.Fatalf("active plan not recorded: %s / %s", session.ActivePlanID, result.ActivePlanID)
	}
	want := []int{0, 2}
	if len(session.SelectedTaskIndexes) != 2 {
		t.Fatalf("unexpected selection: %v", session.SelectedTaskIndexes)
	}
	for i, index := range want {
		if session.SelectedTaskIndexes[i] != index || result.SelectedTaskIndexes[i] != index {
			t.Fatalf("expected selection %v, got %v", want, session.SelectedTaskIndexes)
		}
	}
}

func TestCompileFallbackText(t *testing.T) {
	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		textResponse("这个问题不需要规划：BNB 是 BNB Chain 的原生代币。"),
	}}
	o := newOrchestrator(t, gateway)
	session := plan.NewSession("什么是 BNB?")

	result, err := o.Turn(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.Kind != TurnAnswer {
		t.Fatalf("expected answer, got %s", result.Kind)
	}
	if result.EndedBy != plan.EndReasonAnswer {
		t.Fatalf("expected planner_answer, got %s", result.EndedBy)
	}
	if len(session.Plans) != 0 {
		t.Fatalf("fallback answer must not create plans")
	}
	last := session.History[len(session.History)-1]
	if last.Role != "assistant" || last.Content != result.Answer {
		t.Fatalf("answer not appended to history: %+v", last)
	}
}

func TestMalformedActionArgsFailTheTurn(t *testing.T) {
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t0"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionUpdatePlan, map[string]any{
			"plan_id": p.ID,
			"updates": []any{map[string]any{"index": float64(0), "status": "pending"}},
		}),
		// 缺少 task_indexes，必须显式失败而不是带着残缺参数继续。
		actionResponse(ActionSelectTasks, map[string]any{"plan_id": p.ID}),
	}}
	o := newOrchestrator(t, gateway)

	_, err = o.Turn(context.Background(), session, nil)
	if err == nil {
		t.Fatalf("expected error on malformed action args")
	}
	if xerrors.CodeOf(err) != xerrors.CodeGatewayBadAction {
		t.Fatalf("expected GATEWAY_BAD_ACTION, got %s (%v)", xerrors.CodeOf(err), err)
	}
}

func TestReconcileLeavesUntouchedTasksUnchanged(t *testing.T) {
	session := plan.NewSession("目标")
	p, err := plan.New("p", []plan.TaskSpec{{Title: "t0"}, {Title: "t1"}, {Title: "t2"}, {Title: "t3"}})
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	session.AppendPlan(p)
	if err := p.Apply([]plan.TaskUpdate{
		{Index: 0, Status: plan.TaskInProgress},
		{Index: 2, Status: plan.TaskInProgress},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionUpdatePlan, map[string]any{
			"plan_id": p.ID,
			"updates": []any{
				map[string]any{"index": float64(0), "status": "complete", "result": "余额 1.2 BNB"},
				map[string]any{"index": float64(2), "status": "pending", "increment_retry": true},
			},
		}),
	}}
	o := newOrchestrator(t, gateway)

	actions, err := newPlannerActions(session)
	if err != nil {
		t.Fatalf("planner actions: %v", err)
	}
	outcomes := []executor.Outcome{
		{PlanID: p.ID, TaskIndex: 0, OK: true, Output: "余额 1.2 BNB"},
		{PlanID: p.ID, TaskIndex: 2, OK: false, Error: "节点超时"},
		{PlanID: p.ID, TaskIndex: 99, OK: true, Bookkeeping: true},
	}
	answered, _, err := o.reconcile(context.Background(), session, actions, outcomes)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if answered {
		t.Fatalf("unexpected fallback answer")
	}

	if p.Tasks[0].Status != plan.TaskComplete || p.Tasks[0].Result == nil {
		t.Fatalf("task 0 not completed: %+v", p.Tasks[0])
	}
	if p.Tasks[2].Status != plan.TaskPending || p.Tasks[2].RetryCount != 1 {
		t.Fatalf("task 2 not requeued with retry: %+v", p.Tasks[2])
	}
	if p.Tasks[1].Status != plan.TaskPending || p.Tasks[3].Status != plan.TaskPending {
		t.Fatalf("untouched tasks changed: %+v %+v", p.Tasks[1], p.Tasks[3])
	}
}

// planIDFromPrompt 从渲染的计划文本中提取计划 ID。选择与协调节点的
// 用户提示都以 renderPlan 开头。
var planIDPattern = regexp.MustCompile(`\(([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\)`)

func planIDFromPrompt(user string) string {
	match := planIDPattern.FindStringSubmatch(user)
	if len(match) != 2 {
		return ""
	}
	return match[1]
}

func TestServiceRunEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	domain := capability.NewRegistry()
	if err := domain.Register(capability.Definition{
		Name:        "echo",
		Description: "回显输入",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("done:%v", args["step"]), nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := executor.NewMemoryStore()
	queue := executor.NewMemoryQueue(64)
	execService := executor.NewService(store, queue, 3)
	processor := executor.NewProcessor(domain, store, queue, queue, executor.WithWorkerCount(2))
	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		// 第 1 轮：编译计划。
		actionResponse(ActionCreatePlan, map[string]any{
			"title": "swap 1 BNB to USDT",
			"tasks": []any{
				map[string]any{"title": "查询余额", "action": "echo", "args": map[string]any{"step": 1}},
				map[string]any{"title": "执行兑换", "action": "echo", "args": map[string]any{"step": 2}},
			},
		}),
		// 第 1 轮：选择全部任务（计划 ID 从提示文本中提取）。
		func(pc llm.PromptContext) (*llm.Response, error) {
			return &llm.Response{Action: &llm.ActionCall{
				Name: ActionSelectTasks,
				Args: map[string]any{"plan_id": planIDFromPrompt(pc.User), "task_indexes": []any{float64(0), float64(1)}},
			}}, nil
		},
		// 第 2 轮：协调，标记全部完成。
		func(pc llm.PromptContext) (*llm.Response, error) {
			return &llm.Response{Action: &llm.ActionCall{
				Name: ActionUpdatePlan,
				Args: map[string]any{
					"plan_id": planIDFromPrompt(pc.User),
					"updates": []any{
						map[string]any{"index": float64(0), "status": "complete"},
						map[string]any{"index": float64(1), "status": "complete"},
					},
				},
			}}, nil
		},
		// 第 2 轮：终止并合成回答。
		actionResponse(ActionTerminate, nil),
		textResponse("兑换已完成：1 BNB 已换成 USDT。"),
	}}

	o, err := New(gateway, domain)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	var reviewed []string
	reviewer := ReviewerFunc(func(_ context.Context, action string, _ map[string]any) error {
		reviewed = append(reviewed, action)
		return nil
	})
	service, err := NewService(o, execService,
		WithReviewer(reviewer),
		WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := service.Run(ctx, "swap 1 BNB to USDT")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer == "" || result.EndedBy != plan.EndReasonAnswer {
		t.Fatalf("unexpected run result: %+v", result)
	}
	if result.Turns != 2 {
		t.Fatalf("expected 2 turns, got %d", result.Turns)
	}
	if len(result.Plans) != 1 || result.Plans[0].Status != plan.StatusComplete {
		t.Fatalf("plan not completed: %+v", result.Plans)
	}
	if len(reviewed) != 2 {
		t.Fatalf("expected 2 reviewed tasks, got %v", reviewed)
	}
	if gateway.callCount() != 5 {
		t.Fatalf("expected 5 gateway calls, got %d", gateway.callCount())
	}
}

func TestServiceRunReviewDenied(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := executor.NewMemoryStore()
	queue := executor.NewMemoryQueue(16)
	execService := executor.NewService(store, queue, 3)

	gateway := &scriptedGateway{steps: []func(llm.PromptContext) (*llm.Response, error){
		actionResponse(ActionCreatePlan, map[string]any{
			"title": "p",
			"tasks": []any{map[string]any{"title": "敏感操作", "action": "swap"}},
		}),
		func(pc llm.PromptContext) (*llm.Response, error) {
			return &llm.Response{Action: &llm.ActionCall{
				Name: ActionSelectTasks,
				Args: map[string]any{"plan_id": planIDFromPrompt(pc.User), "task_indexes": []any{float64(0)}},
			}}, nil
		},
	}}

	o, err := New(gateway, capability.NewRegistry())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	reviewer := ReviewerFunc(func(_ context.Context, action string, _ map[string]any) error {
		return fmt.Errorf("拒绝执行 %s", action)
	})
	service, err := NewService(o, execService, WithReviewer(reviewer))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = service.Run(ctx, "执行敏感操作")
	if err == nil {
		t.Fatalf("expected review denial")
	}
	if xerrors.CodeOf(err) != xerrors.CodeReviewDenied {
		t.Fatalf("expected REVIEW_DENIED, got %s (%v)", xerrors.CodeOf(err), err)
	}
}
