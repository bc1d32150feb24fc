package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"OpenPlan-Chain/internal/llm"
)

// writeScript 生成一个输出固定内容的 shell 脚本，让桥接层在测试里
// 不依赖本机的 Python 环境。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newShellClient(t *testing.T, body string) *Client {
	t.Helper()
	client, err := NewClient("/bin/sh", writeScript(t, body), "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestInvokeDecodesTextReply(t *testing.T) {
	client := newShellClient(t, `echo '{"text":"BNB 是 BNB Chain 的原生代币。"}'`)

	resp, err := client.Invoke(context.Background(), llm.PromptContext{User: "什么是 BNB?"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.IsAction() {
		t.Fatalf("expected text reply, got action %+v", resp.Action)
	}
	if resp.Text != "BNB 是 BNB Chain 的原生代币。" {
		t.Fatalf("unexpected text: %s", resp.Text)
	}
}

func TestInvokeDecodesActionReply(t *testing.T) {
	client := newShellClient(t, `echo '{"action":"create_plan","args":{"title":"swap","tasks":[{"title":"查询余额"}]}}'`)

	resp, err := client.Invoke(context.Background(), llm.PromptContext{User: "swap 1 BNB"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !resp.IsAction() {
		t.Fatalf("expected action reply, got text %q", resp.Text)
	}
	if resp.Action.Name != "create_plan" {
		t.Fatalf("unexpected action: %s", resp.Action.Name)
	}
	if title, _ := resp.Action.Args["title"].(string); title != "swap" {
		t.Fatalf("action args not decoded: %+v", resp.Action.Args)
	}
}

func TestInvokeActionWithoutArgsGetsEmptyMap(t *testing.T) {
	client := newShellClient(t, `echo '{"action":"terminate"}'`)

	resp, err := client.Invoke(context.Background(), llm.PromptContext{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !resp.IsAction() || resp.Action.Name != "terminate" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Action.Args == nil {
		t.Fatalf("args must never be nil on an action reply")
	}
}

func TestInvokeRejectsBadOutput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"不是 JSON", `echo 'not json'`},
		{"既无 text 也无 action", `echo '{}'`},
		{"脚本退出失败", `echo '出错了' >&2; exit 1`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newShellClient(t, tc.body)
			if _, err := client.Invoke(context.Background(), llm.PromptContext{}); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("python3", "", ""); err == nil {
		t.Fatalf("expected error on empty script path")
	}
	client, err := NewClient("", "bridge.py", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.pythonExec != "python3" {
		t.Fatalf("expected python3 default, got %s", client.pythonExec)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv/app", "scripts/bridge.py"); got != filepath.Join("/srv/app", "scripts/bridge.py") {
		t.Fatalf("unexpected join: %s", got)
	}
	if got := ResolveScriptPath("/srv/app", "/opt/bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("absolute path must pass through, got %s", got)
	}
	if got := ResolveScriptPath("", "bridge.py"); got != "bridge.py" {
		t.Fatalf("empty base dir must pass through, got %s", got)
	}
	if got := ResolveScriptPath("/srv/app", ""); got != "" {
		t.Fatalf("empty script must stay empty, got %q", got)
	}
}
