// Package ai 汇总了系统中与大模型推理相关的组件说明。
//
// 推理网关的统一契约定义在 internal/llm 包：给定提示上下文与可选
// 动作列表，网关要么返回自由文本，要么返回一次结构化的动作调用。
// 真实服务的客户端实现位于 internal/llm/openai，通过 HTTP API 将
// 编排上下文转换成对话消息并解析模型的工具调用输出。
//
// 离线演示与测试场景可以使用 internal/llm/pythonbridge，它通过子进程
// 调用 scripts/llm_bridge.py 来模拟网关行为，无需访问外部服务。
package ai
