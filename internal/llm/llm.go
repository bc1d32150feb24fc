package llm

import (
	"context"
	"encoding/json"
)

// ActionDefinition 描述暴露给推理网关的一个可调用动作。
type ActionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Turn 是提示上下文中的一条历史消息。
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptContext 描述发送给推理网关的完整上下文。AvailableActions
// 限定了网关在本次调用中允许选择的动作集合。
type PromptContext struct {
	System           string
	User             string
	History          []Turn
	AvailableActions []ActionDefinition
}

// ActionCall 是网关对某个动作的一次结构化调用请求。
type ActionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Response 是网关的推理输出：自由文本与动作调用二选一。
// 编排器不解释 Text 的内容，只在回退路径上透传。
type Response struct {
	Text   string
	Action *ActionCall
}

// IsAction 判断响应是否为动作调用。
func (r *Response) IsAction() bool {
	return r != nil && r.Action != nil
}

// Client 定义了调用推理网关的统一接口。实现方自行负责超时控制，
// 超时以节点失败的形式向上传递。
type Client interface {
	Invoke(ctx context.Context, prompt PromptContext) (*Response, error)
}
