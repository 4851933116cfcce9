package llm

import "context"

// ToolResultTag 是历史中工具结果消息的前缀。工具结果以普通 user 消息的形式回传给模型。
const ToolResultTag = "[TOOL_RESULT]"

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是发送给模型的一条历史消息。
type Message struct {
	Role    string
	Content string
}

// Parameter 描述工具声明中的一个参数。
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Tool 是向模型声明的可调用函数。
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// Request 描述一次函数调用式的模型请求。Tools 为空时模型只能返回文本。
type Request struct {
	SystemInstruction string
	History           []Message
	Query             string
	Tools             []Tool
}

// FunctionCall 是模型提出的一次工具调用。
type FunctionCall struct {
	Name string
	Args map[string]any
}

// Response 是模型的输出，文本与工具调用都可能为空。
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
}

// Empty 判断模型是否既没有文本也没有工具调用。
func (r *Response) Empty() bool {
	return r == nil || (r.Text == "" && len(r.FunctionCalls) == 0)
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数实现 Client 接口。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
