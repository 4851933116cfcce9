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

	"OpenCRM-Dialog/internal/llm"
)

// Client 通过调用 Python 脚本实现函数调用式推理，便于接入本地模型。
//
// 请求以 JSON 写入脚本标准输入，脚本需在标准输出返回
// {"text": string, "function_calls": [{"name": string, "args": object}]}。
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

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []llm.Parameter `json:"parameters"`
}

type wireCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Complete 调用外部脚本，并解析输出。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	history := make([]wireMessage, 0, len(req.History))
	for _, entry := range req.History {
		history = append(history, wireMessage{Role: entry.Role, Content: entry.Content})
	}
	tools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, wireTool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	payload := map[string]any{
		"system_instruction": req.SystemInstruction,
		"history":            history,
		"query":              req.Query,
		"tools":              tools,
		"timestamp":          time.Now().Unix(),
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
		Text          string     `json:"text"`
		FunctionCalls []wireCall `json:"function_calls"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}

	out := &llm.Response{Text: strings.TrimSpace(resp.Text)}
	for _, call := range resp.FunctionCalls {
		if call.Name == "" {
			continue
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		out.FunctionCalls = append(out.FunctionCalls, llm.FunctionCall{Name: call.Name, Args: args})
	}
	return out, nil
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
