package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenPlan-Chain/internal/llm"
)

// Client 通过调用本地 Python 脚本实现推理网关，用于离线演示与测试。
// 脚本从 stdin 读取 JSON 上下文，输出 {"text": ...} 或
// {"action": ..., "args": {...}}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Invoke 调用外部脚本并解析输出。
func (c *Client) Invoke(ctx context.Context, prompt llm.PromptContext) (*llm.Response, error) {
	payload := map[string]any{
		"system":    prompt.System,
		"user":      prompt.User,
		"history":   prompt.History,
		"actions":   prompt.AvailableActions,
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp struct {
		Text   string         `json:"text"`
		Action string         `json:"action"`
		Args   map[string]any `json:"args"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}

	if action := strings.TrimSpace(resp.Action); action != "" {
		args := resp.Args
		if args == nil {
			args = map[string]any{}
		}
		return &llm.Response{Action: &llm.ActionCall{Name: action, Args: args}}, nil
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("Python 输出既无 text 也无 action")
	}
	return &llm.Response{Text: resp.Text}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
