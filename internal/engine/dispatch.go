package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/tools"
)

// stepClosure reports that an iteration's tool calls included a step
// ledger_append.
type stepClosure struct {
	seq     int64
	content string
}

// runToolIteration executes all tool_use blocks from one response: hook
// interception, bounded parallel dispatch, result pairing, and message
// append. Every call produces exactly one tool_result in the following
// user message, matched by id; blocked and errored calls produce error
// results.
func (l *Loop) runToolIteration(ctx context.Context, resp *llm.Response) (*stepClosure, error) {
	calls := resp.ToolUses()
	l.iterToolCalls = len(calls)

	// The assistant message carries the full response content, text and
	// tool_use blocks alike.
	l.messages = append(l.messages, llm.Message{Role: llm.RoleAssistant, Assistant: resp.Content})

	type callPlan struct {
		call    llm.ToolUseBlock
		input   json.RawMessage
		blocked *tools.Result
	}
	plans := make([]callPlan, len(calls))
	for i, call := range calls {
		plan := callPlan{call: call, input: call.Input}
		decision, err := l.hooks.BeforeToolCall(ctx, call.Name, call.Input)
		if err != nil {
			return nil, err
		}
		if decision.Blocked {
			// Blocked calls never execute; the block reason becomes an
			// error result.
			plan.blocked = tools.Errorf(tools.ErrorTypeBlocked, "blocked by hook: %s", decision.Reason)
		} else if len(decision.InputPatch) > 0 {
			plan.input = decision.InputPatch
		}
		plans[i] = plan
	}

	// Bounded parallel dispatch. parallel_tool_execution=false degrades to
	// a pool of one.
	workers := l.faculty.Engage.MaxParallelTools
	if !l.faculty.Engage.ParallelToolExecution || workers < 1 {
		workers = 1
	}
	if workers > len(plans) && len(plans) > 0 {
		workers = len(plans)
	}

	results := make([]*tools.Result, len(plans))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				plan := plans[i]
				if plan.blocked != nil {
					results[i] = plan.blocked
					continue
				}
				results[i] = l.registry.Execute(ctx, plan.call.Name, plan.input, l.auth)
			}
		}()
	}
	for i := range plans {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// AfterToolCall hooks may replace content or force an error.
	for i, plan := range plans {
		patched, err := l.hooks.AfterToolCall(ctx, plan.call.Name, results[i])
		if err != nil {
			return nil, err
		}
		results[i] = patched
	}

	var step *stepClosure
	resultBlocks := make([]llm.UserBlock, len(plans))
	for i, plan := range plans {
		res := results[i]
		resultBlocks[i] = llm.ToolResultBlock{
			ToolUseID: plan.call.ID,
			Content:   res.Content,
			IsError:   res.IsError,
		}
		if res.IsError {
			l.failedTools[plan.call.Name] = struct{}{}
			continue
		}
		if seq, content, ok := tools.StepAppend(res); ok {
			// The highest-seq step of the iteration wins.
			if step == nil || seq > step.seq {
				step = &stepClosure{seq: seq, content: content}
			}
		}
		l.absorbSkillActivation(plan.call.Name, res)
	}
	l.messages = append(l.messages, llm.UserMessage(resultBlocks...))
	return step, nil
}

// absorbSkillActivation extends the active-skill set when activate_skill
// succeeded, so the skill's prompt fragment rides every later request.
func (l *Loop) absorbSkillActivation(toolName string, res *tools.Result) {
	if toolName != "activate_skill" || res.Metadata == nil || l.skills == nil {
		return
	}
	name, _ := res.Metadata[tools.MetaSkillName].(string)
	if name == "" {
		return
	}
	skill := l.skills.Get(name)
	if skill == nil {
		return
	}
	l.ActivateSkill(skill.Name, skill.Body)
}
