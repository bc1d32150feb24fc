package capability

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	xerrors "OpenPlan-Chain/internal/errors"
)

// Handler 是能力的可执行入口。参数来自推理网关给出的结构化调用，
// 返回值作为任务结果透传，编排器不解释其内容。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition 描述一个注册到系统中的能力。InputSchema 为 JSON Schema，
// 会原样暴露给推理网关作为可调用动作的参数说明。
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Handler     Handler         `json:"-"`
}

// Summary 是能力的对外摘要，用于向调用方列出可用动作。
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

const (
	CodeDuplicate xerrors.Code = "CAPABILITY_DUPLICATE"
)

func init() {
	xerrors.Register(CodeDuplicate, xerrors.Attributes{
		Message:   "capability already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Registry 按名称管理能力。注册阶段完成后是读多写少的结构，
// 可以被并发请求安全共享。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry 创建空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register 注册一个能力。重名注册会被拒绝。
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力名称不能为空")
	}
	if def.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 "+name+" 缺少处理函数")
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return xerrors.New(CodeDuplicate, "能力 "+name+" 已注册")
	}
	r.defs[name] = def
	return nil
}

// Get 返回指定名称的能力定义。
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(name)]
	if !ok {
		return Definition{}, xerrors.New(xerrors.CodeNotFound, "未注册的能力: "+name)
	}
	return def, nil
}

// List 按名称排序返回全部能力摘要。
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	summaries := make([]Summary, 0, len(r.defs))
	for _, def := range r.defs {
		summaries = append(summaries, Summary{Name: def.Name, Description: def.Description})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// Definitions 返回指定名称的能力定义集合，保持入参顺序，
// 未注册的名称被跳过。编排器用它为每个节点静态声明允许的动作集。
func (r *Registry) Definitions(names ...string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if def, ok := r.defs[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Execute 查找并执行能力，是队列消费侧的统一入口。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	result, err := def.Handler(ctx, args)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "能力 "+name+" 执行失败")
	}
	return result, nil
}
