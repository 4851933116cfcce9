package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"OpenCRM-Dialog/internal/augment"
	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/confirm"
	"OpenCRM-Dialog/internal/entity"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/llm"
	"OpenCRM-Dialog/internal/notify"
	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/internal/resolver"
	"OpenCRM-Dialog/internal/session"
)

var (
	explicitCreatePattern = regexp.MustCompile(`(?i)\b(create|add|book|schedule)\b`)

	// createCommandPattern 只匹配以创建指令开头的输入，用于搜索未命中时的直接创建。
	createCommandPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:create|add)\b`)
	negationPattern      = regexp.MustCompile(`(?i)\b(?:don'?t|do\s+not|never|no\s+need)\b`)
)

// turn 保存一轮对话的临时状态，不跨轮复用。
type turn struct {
	o        *Orchestrator
	sess     *session.Session
	req      Request
	offered  []*catalog.Descriptor
	entities resolver.TurnEntities
	executed []augment.Executed
	runs     []ToolRun
	actions  int
}

type call struct {
	desc *catalog.Descriptor
	args map[string]any
}

func newTurn(o *Orchestrator, sess *session.Session, req Request) *turn {
	return &turn{o: o, sess: sess, req: req, entities: make(resolver.TurnEntities)}
}

func (t *turn) explicitCreate() bool {
	return explicitCreatePattern.MatchString(t.req.Message)
}

// createCommand 判断输入是否为不含否定的显式 create/add 指令。
func (t *turn) createCommand() bool {
	return createCommandPattern.MatchString(t.req.Message) && !negationPattern.MatchString(t.req.Message)
}

func (t *turn) toolContext() catalog.Context {
	return catalog.Context{
		UserID:            t.sess.UserID,
		SessionID:         t.sess.ID,
		ConversationID:    t.sess.ConversationID,
		VoiceMode:         t.sess.VoiceMode,
		ApprovalConfirmed: true,
	}
}

// run 执行一轮对话。已有工具执行后出现的错误转为响应返回，保证会话被保存。
func (t *turn) run(ctx context.Context) (*Response, error) {
	resp, err := t.start(ctx)
	if err != nil && len(t.runs) > 0 {
		return t.halt(err), nil
	}
	return resp, err
}

// start 先处理待确认操作，再调用模型并执行其请求的工具。
func (t *turn) start(ctx context.Context) (*Response, error) {
	outcome := t.o.confirm.Evaluate(t.sess, t.req.Message)
	switch outcome.Decision {
	case confirm.DecisionExecute:
		t.sess.AddMessage(session.RoleUser, t.req.Message)
		return t.executeApproved(ctx, outcome)
	case confirm.DecisionCancel:
		t.sess.AddMessage(session.RoleUser, t.req.Message)
		return t.reply(&Response{Answer: confirm.CancelAcknowledgement, Outcome: OutcomeCancelled}), nil
	case confirm.DecisionSwitch:
		t.o.log.Debug("话题切换，丢弃待确认操作", "session", t.sess.ID, "reason", outcome.Reason)
	}

	history := historyMessages(t.sess.History)
	t.sess.AddMessage(session.RoleUser, t.req.Message)

	t.offered = t.o.selector.Select(t.req.Message, t.sess)
	resp, err := t.o.callModel(ctx, llm.Request{
		SystemInstruction: t.o.cfg.SystemInstruction,
		History:           history,
		Query:             t.req.Message,
		Tools:             declareTools(t.offered),
	})
	if err != nil {
		return nil, err
	}
	return t.process(ctx, resp, 0)
}

// executeApproved 执行用户以简单肯定回复批准的待确认操作，不经过模型。
func (t *turn) executeApproved(ctx context.Context, outcome confirm.Outcome) (*Response, error) {
	desc, ok := t.o.catalog.Lookup(outcome.Pending.ToolName)
	if !ok {
		return t.reply(&Response{
			Answer:    fmt.Sprintf("I can't run %q anymore because that tool is no longer available. Nothing was changed.", outcome.Pending.ToolName),
			Outcome:   OutcomeToolNotFound,
			ErrorCode: string(xerrors.CodeToolNotFound),
		}), nil
	}
	run, err := t.execute(ctx, desc, outcome.Params)
	if err != nil {
		return nil, err
	}
	if !run.Success {
		t.sess.RecordFailure(desc.Name)
		return t.reply(&Response{
			Answer:    fmt.Sprintf("I couldn't complete that: %s", run.Error),
			Outcome:   OutcomeToolFailed,
			ErrorCode: string(xerrors.CodeToolFailure),
		}), nil
	}
	t.actions++
	return t.reply(&Response{Answer: summarize(t.runs), Outcome: OutcomeExecuted}), nil
}

// process 处理模型的一次响应，必要时携带工具结果再次调用模型。
func (t *turn) process(ctx context.Context, mr *llm.Response, round int) (*Response, error) {
	if mr.Empty() {
		return t.finish(""), nil
	}
	if len(mr.FunctionCalls) == 0 {
		return t.finish(mr.Text), nil
	}

	// 先解析全部工具名，任何一个无法解析都在执行前终止。
	var searches, actions []call
	for _, fc := range mr.FunctionCalls {
		desc, err := t.o.catalog.Resolve(fc.Name, t.offered)
		if err != nil {
			t.o.log.Warn("模型请求了未注册的工具", "tool", fc.Name, "session", t.sess.ID)
			return t.reply(t.withProgress(&Response{
				Answer:    fmt.Sprintf("I tried to use a tool called %q, but it isn't available, so I stopped there.", fc.Name),
				Outcome:   OutcomeToolNotFound,
				ErrorCode: string(xerrors.CodeToolNotFound),
			})), nil
		}
		c := call{desc: desc, args: cloneArgs(fc.Args)}
		if desc.IsSearch() {
			searches = append(searches, c)
		} else {
			actions = append(actions, c)
		}
	}

	ran := false
	for _, c := range searches {
		run, err := t.execute(ctx, c.desc, c.args)
		if err != nil {
			return nil, err
		}
		ran = true
		if run.Success && run.notFound {
			return t.handleNotFound(ctx, c)
		}
	}

	for _, c := range actions {
		resp, interrupted, err := t.runAction(ctx, c)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		if interrupted != nil {
			return t.interrupt(ctx, interrupted), nil
		}
		ran = true
	}

	if !ran {
		return t.finish(mr.Text), nil
	}
	return t.synthesize(ctx, round)
}

// handleNotFound 在搜索无结果时提前结束本轮：显式创建指令直接创建，否则登记创建提议。
func (t *turn) handleNotFound(ctx context.Context, search call) (*Response, error) {
	term := searchTerm(search.args)
	createDesc, ok := t.o.catalog.Lookup(search.desc.CreateTool)
	if !ok {
		return t.reply(t.withProgress(&Response{
			Answer:  fmt.Sprintf("I couldn't find anything matching %q.", term),
			Outcome: OutcomeNotFound,
		})), nil
	}

	payload := creationPayload(createDesc, search.args, term)
	scan := t.scan(ctx, payload)

	if t.createCommand() && len(createDesc.MissingRequired(payload)) == 0 {
		params := session.MergeParams(scan.suggested, payload)
		run, err := t.execute(ctx, createDesc, params)
		if err != nil {
			return nil, err
		}
		if run.Success {
			t.actions++
			return t.reply(&Response{Answer: summarize(t.runs), Outcome: OutcomeExecuted}), nil
		}
		t.sess.RecordFailure(createDesc.Name)
		return t.reply(t.withProgress(&Response{
			Answer:    fmt.Sprintf("I couldn't find %q and creating it failed: %s", term, run.Error),
			Outcome:   OutcomeToolFailed,
			ErrorCode: string(xerrors.CodeToolFailure),
		})), nil
	}

	prompt := fmt.Sprintf("I couldn't find %s %q. Would you like me to create it?", kindLabel(createDesc), term)
	if scan.summary != "" {
		prompt += " " + scan.summary
	}
	pending := &session.PendingConfirmation{
		ToolName:           createDesc.Name,
		RawPayload:         search.args,
		AccumulatedParams:  payload,
		SuggestedData:      scan.suggested,
		ConfirmationPrompt: prompt,
		OriginalQuery:      t.req.Message,
		WasPrompted:        true,
		ContextScanKey:     scan.key,
	}
	if err := t.o.confirm.Register(t.sess, pending); err != nil {
		return nil, err
	}
	if t.actions > 0 {
		return t.interrupt(ctx, pending), nil
	}
	return t.reply(&Response{
		Answer:           prompt,
		Outcome:          OutcomeApproval,
		RequiresApproval: true,
		Pending:          pending,
	}), nil
}

// runAction 处理一个动作调用。返回非空 Response 表示本轮在此结束；
// 返回 interrupted 表示前面已有动作执行，需要中断并请求批准。
func (t *turn) runAction(ctx context.Context, c call) (*Response, *session.PendingConfirmation, error) {
	desc := c.desc
	var (
		params      map[string]any
		suggested   map[string]any
		fromPending bool
		scanKey     string
	)
	if pending, ok := t.o.confirm.Merge(t.sess, desc.Name, c.args); ok {
		params = confirm.FinalParams(pending)
		suggested = pending.SuggestedData
		scanKey = pending.ContextScanKey
		fromPending = true
	} else {
		var rest map[string]any
		suggested, rest = session.SplitSuggested(c.args)
		resolved, err := t.o.resolver.Resolve(ctx, t.sess, desc, rest, t.entities)
		if err != nil {
			var ambiguity *resolver.AmbiguityError
			if errors.As(err, &ambiguity) {
				return t.reply(t.withProgress(&Response{
					Answer:    ambiguity.Error(),
					Outcome:   OutcomeAmbiguous,
					ErrorCode: string(xerrors.CodeAmbiguousReference),
				})), nil, nil
			}
			return nil, nil, err
		}
		params = resolved
	}

	invalid := desc.Validate(params)
	var failure string
	if len(invalid) == 0 && t.shouldAutoExecute(desc, params, fromPending) {
		run, err := t.execute(ctx, desc, params)
		if err != nil {
			return nil, nil, err
		}
		if run.Success {
			t.actions++
			t.sess.ResetFailures(desc.Name)
			if fromPending {
				t.sess.ClearPendingConfirmation()
				t.sess.EnableAutoExecute()
			}
			return nil, nil, nil
		}
		if t.sess.RecordFailure(desc.Name) > 1 {
			t.sess.ResetFailures(desc.Name)
			if fromPending {
				t.sess.ClearPendingConfirmation()
			}
			return t.reply(t.withProgress(&Response{
				Answer:    fmt.Sprintf("I couldn't complete %s: %s", desc.Name, run.Error),
				Outcome:   OutcomeToolFailed,
				ErrorCode: string(xerrors.CodeToolFailure),
			})), nil, nil
		}
		failure = run.Error
	}

	// 需要用户批准：计算提示并登记待确认操作。
	scan := t.scan(ctx, params)
	if scan.key != "" && scan.key == scanKey {
		scan.summary = ""
	}
	if len(scan.suggested) > 0 {
		suggested = session.MergeParams(scan.suggested, suggested)
	}
	prompt := buildPrompt(desc, params, invalid, failure, scan.summary)

	pending := t.sess.Pending
	if !fromPending || pending == nil {
		pending = &session.PendingConfirmation{
			ToolName:          desc.Name,
			RawPayload:        c.args,
			AccumulatedParams: params,
			IsDestructive:     desc.IsDestructive(),
			OriginalQuery:     t.req.Message,
		}
		if err := t.o.confirm.Register(t.sess, pending); err != nil {
			return nil, nil, err
		}
	}
	pending.SuggestedData = suggested
	pending.ConfirmationPrompt = prompt
	pending.WasPrompted = true
	if scan.key != "" {
		pending.ContextScanKey = scan.key
	}

	if t.actions > 0 {
		return nil, pending, nil
	}
	return t.reply(&Response{
		Answer:           prompt,
		Outcome:          OutcomeApproval,
		RequiresApproval: true,
		Pending:          pending,
	}), nil, nil
}

// shouldAutoExecute 判断动作是否可以不经确认直接执行。删除类工具永远需要确认。
func (t *turn) shouldAutoExecute(desc *catalog.Descriptor, params map[string]any, fromPending bool) bool {
	if desc.IsDestructive() || len(desc.MissingRequired(params)) > 0 {
		return false
	}
	switch {
	case !desc.RequiresApproval:
		return true
	case len(desc.MissingRecommended(params)) == 0:
		return true
	case desc.IsUpdateLike() && hasArgs(params):
		return true
	case t.sess.AutoExecute:
		return true
	case desc.IsCreate() && desc.DirectCreate && t.explicitCreate():
		return true
	case fromPending && confirm.StartsWithAffirmative(t.req.Message):
		return true
	}
	return false
}

// interrupt 在已有动作执行后遇到需要批准的工具：总结已完成的工作并附上批准提示。
func (t *turn) interrupt(ctx context.Context, pending *session.PendingConfirmation) *Response {
	text := ""
	resp, err := t.o.callModel(ctx, t.synthesisRequest(nil))
	if err != nil {
		t.o.log.Warn("总结调用失败，使用本地摘要", slog.Any("error", err), slog.String("session", t.sess.ID))
	} else if len(resp.FunctionCalls) == 0 {
		text = strings.TrimSpace(resp.Text)
	}
	if text == "" {
		text = summarize(t.runs)
	}
	return t.reply(&Response{
		Answer:           text + "\n\n" + pending.ConfirmationPrompt,
		Outcome:          OutcomeApproval,
		RequiresApproval: true,
		Pending:          pending,
	})
}

// synthesize 把工具结果交回模型，允许其继续调用工具，直到达到轮数上限。
func (t *turn) synthesize(ctx context.Context, round int) (*Response, error) {
	if round+1 >= t.o.cfg.MaxRounds {
		return t.finish(""), nil
	}
	resp, err := t.o.callModel(ctx, t.synthesisRequest(declareTools(t.offered)))
	if err != nil {
		// 工具已经产生副作用，会话必须保存，因此降级为本地摘要。
		t.o.log.Warn("总结调用失败，使用本地摘要", slog.Any("error", err), slog.String("session", t.sess.ID))
		return t.finish(""), nil
	}
	return t.process(ctx, resp, round+1)
}

func (t *turn) synthesisRequest(tools []llm.Tool) llm.Request {
	return llm.Request{
		SystemInstruction: t.o.cfg.SystemInstruction,
		History:           historyMessages(t.sess.History),
		Query:             synthesisQuery,
		Tools:             tools,
	}
}

// finish 生成最终回答。模型没有给出文本时使用本地摘要或兜底文案。
func (t *turn) finish(text string) *Response {
	text = strings.TrimSpace(text)
	switch {
	case text != "":
		outcome := OutcomeAnswered
		if t.actions > 0 {
			outcome = OutcomeExecuted
		}
		return t.reply(&Response{Answer: text, Outcome: outcome})
	case len(t.runs) > 0:
		outcome := OutcomeAnswered
		if t.actions > 0 {
			outcome = OutcomeExecuted
		}
		return t.reply(&Response{Answer: summarize(t.runs), Outcome: outcome})
	default:
		return t.reply(&Response{
			Answer:    EmptyResponseFallback,
			Outcome:   OutcomeEmpty,
			ErrorCode: string(xerrors.CodeEmptyResponse),
		})
	}
}

// halt 在工具已执行后因错误提前结束本轮，回答中保留已完成的工作。
func (t *turn) halt(err error) *Response {
	t.o.log.Warn("轮次中途终止，保留已执行的工具结果", slog.Any("error", err), slog.String("session", t.sess.ID))
	code := xerrors.CodeOf(err)
	answer := "I had to stop before finishing this request."
	if code == xerrors.CodeTimeout {
		answer = "The request was cancelled before I could finish."
	}
	return t.reply(&Response{
		Answer:    summarize(t.runs) + "\n\n" + answer,
		Outcome:   OutcomeHalted,
		ErrorCode: string(code),
	})
}

// withProgress 在终止性回答前附上本轮已完成的工作。
func (t *turn) withProgress(resp *Response) *Response {
	if t.actions == 0 {
		return resp
	}
	resp.Answer = summarize(t.runs) + "\n\n" + resp.Answer
	return resp
}

// reply 写入助手回答并附加建议与动作。
func (t *turn) reply(resp *Response) *Response {
	t.sess.AddMessage(session.RoleAssistant, resp.Answer)
	resp.Executed = t.runs
	if resp.Pending == nil && t.sess.Pending != nil && resp.RequiresApproval {
		resp.Pending = t.sess.Pending
	}
	if !resp.RequiresApproval {
		extra := augment.Augment(t.executed, t.sess.VoiceMode)
		resp.Suggestions = extra.Suggestions
		resp.Actions = extra.Actions
	}
	return resp
}

type toolRun struct {
	ToolRun
	notFound bool
}

// execute 在超时控制下执行工具，追踪实体并把执行标记写入历史。
// 工具自身的失败记录在结果中，只有上下文被取消时才返回错误。
func (t *turn) execute(ctx context.Context, desc *catalog.Descriptor, params map[string]any) (toolRun, error) {
	if err := ctx.Err(); err != nil {
		return toolRun{}, xerrors.Wrap(xerrors.CodeTimeout, err, "请求已取消，停止执行工具")
	}
	t.notifySlow(ctx, desc)

	toolCtx, cancel := context.WithTimeout(ctx, t.o.cfg.ToolTimeout)
	defer cancel()

	start := time.Now()
	result, err := desc.Execute(toolCtx, params, t.toolContext())
	elapsed := time.Since(start)

	run := toolRun{ToolRun: ToolRun{Tool: desc.Name}}
	switch {
	case err != nil && toolCtx.Err() == context.DeadlineExceeded:
		run.Error = fmt.Sprintf("%s timed out after %s", desc.Name, t.o.cfg.ToolTimeout)
	case err != nil:
		run.Error = xerrors.UserMessageOf(err)
		if run.Error == "" {
			run.Error = err.Error()
		}
	case result == nil:
		run.Error = fmt.Sprintf("%s returned no result", desc.Name)
	default:
		run.Success = result.Success
		run.Data = result.Data
		run.Error = result.Error
		run.notFound = result.NotFound
		if !run.Success && run.Error == "" {
			run.Error = fmt.Sprintf("%s failed", desc.Name)
		}
	}
	metrics.ObserveToolCall(desc.Name, run.Success, elapsed)
	t.o.audit.Info("tool_executed",
		"session", t.sess.ID,
		"user_id", t.sess.UserID,
		"tool", desc.Name,
		"success", run.Success,
		"duration_ms", elapsed.Milliseconds(),
	)
	if err != nil {
		t.o.log.Warn("工具执行失败", slog.Any("error", err), slog.String("tool", desc.Name))
	}

	t.record(desc, run)
	return run, nil
}

// record 写入执行历史，并把成功结果中的实体登记到会话与本轮实体表。
func (t *turn) record(desc *catalog.Descriptor, run toolRun) {
	t.runs = append(t.runs, run.ToolRun)

	marker := fmt.Sprintf("Running %s...", desc.Name)
	if desc.IsSearch() {
		marker = fmt.Sprintf("Searching with %s...", desc.Name)
	}
	t.sess.AddMessage(session.RoleAssistant, marker)
	payload, err := json.Marshal(run.ToolRun)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"tool":%q,"success":%t}`, desc.Name, run.Success))
	}
	t.sess.AddMessage(session.RoleTool, llm.ToolResultTag+" "+string(payload))

	if !run.Success || run.notFound {
		return
	}
	tracked := entity.Track(t.sess, desc.Domain, run.Data)
	if !desc.IsSearch() {
		for _, e := range tracked {
			t.entities.Record(e.Label, e.Kind, e.ID)
		}
	}
	t.executed = append(t.executed, augment.Executed{
		Tool:     desc.Name,
		Domain:   desc.Domain,
		Data:     run.Data,
		Entities: tracked,
	})
}

// notifySlow 对异步或预计耗时较长的工具发送提醒。
func (t *turn) notifySlow(ctx context.Context, desc *catalog.Descriptor) {
	if !desc.IsAsync && desc.EstimatedDuration < t.o.cfg.SlowToolThreshold {
		return
	}
	t.o.notifier.Notify(ctx, notify.Notification{
		UserID:         t.sess.UserID,
		SessionID:      t.sess.ID,
		ConversationID: t.sess.ConversationID,
		Tool:           desc.Name,
		Message:        fmt.Sprintf("Working on %s. This may take a moment.", humanize(desc)),
	})
}

type scanResult struct {
	summary   string
	suggested map[string]any
	key       string
}

// scan 调用外部上下文检索。检索失败只记录日志，不影响本轮。
func (t *turn) scan(ctx context.Context, params map[string]any) scanResult {
	if t.o.enricher == nil {
		return scanResult{}
	}
	result, err := t.o.enricher.Scan(ctx, t.req.Message, params)
	if err != nil {
		t.o.log.Warn("上下文检索失败", slog.Any("error", err), slog.String("session", t.sess.ID))
		return scanResult{}
	}
	if result == nil {
		return scanResult{}
	}
	out := scanResult{key: result.ScanKey}
	if result.HasMatches {
		out.summary = result.SummaryForUser
		out.suggested = result.SuggestedData
	}
	return out
}
