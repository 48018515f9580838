package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/parley/internal/confirm"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// Error kinds for calls the gate kept from running.
const (
	KindDenied   = "denied"
	KindTimedOut = "timed_out"
)

// runTools executes the calls of one model response in request order. It
// returns a non-nil reply when a denial aborts the turn, and an error
// when the turn must fail.
func (o *Orchestrator) runTools(ctx context.Context, st *runState, calls []models.ToolCall) (*models.Message, error) {
	if o.invoker == nil {
		for _, call := range calls {
			st.record(call, &models.ToolCallResult{
				Text:      fmt.Sprintf("%v: %s", tools.ErrToolNotFound, call.Name),
				IsError:   true,
				ErrorKind: string(tools.KindNotFound),
			})
		}
		return nil, nil
	}

	if o.parallelizable(calls) {
		results, err := o.invoker.InvokeAll(ctx, calls, st.exec)
		for i, res := range results {
			if res != nil {
				st.record(calls[i], res)
			}
		}
		if err != nil {
			return nil, &LoopError{Phase: PhaseExecute, Iteration: st.iteration, Cause: err}
		}
		return nil, nil
	}

	registry := o.invoker.Registry()
	for _, call := range calls {
		def, ok := registry.Get(call.Name)
		if ok && def.RequiresConfirmation {
			reply, err := o.runGated(ctx, st, call, def)
			if err != nil || reply != nil {
				return reply, err
			}
			continue
		}
		res, err := o.invoker.Invoke(ctx, call, st.exec)
		if res != nil {
			st.record(call, res)
		}
		if err != nil {
			return nil, &LoopError{Phase: PhaseExecute, Iteration: st.iteration, Cause: err}
		}
	}
	return nil, nil
}

// parallelizable reports whether every call is a known independent tool
// that needs no approval.
func (o *Orchestrator) parallelizable(calls []models.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	registry := o.invoker.Registry()
	for _, call := range calls {
		def, ok := registry.Get(call.Name)
		if !ok || !def.Independent || def.RequiresConfirmation {
			return false
		}
	}
	return true
}

// runGated asks for approval before executing call. Invalid arguments are
// reported without bothering the user.
func (o *Orchestrator) runGated(ctx context.Context, st *runState, call models.ToolCall, def tools.Definition) (*models.Message, error) {
	args, failed := o.invoker.Prepare(call)
	if failed != nil {
		st.record(call, failed)
		return nil, nil
	}
	if o.gate == nil {
		st.record(call, &models.ToolCallResult{Text: errNoGate.Error(), IsError: true, ErrorKind: KindDenied})
		return nil, nil
	}

	summary := ""
	if def.Summarize != nil {
		summary = def.Summarize(args)
	}
	decision, err := o.gate.Request(ctx, confirm.Request{
		ConversationID: st.in.Turn.ConversationID,
		TurnID:         st.in.Turn.ID,
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		Arguments:      args,
		Summary:        summary,
	})
	if err != nil {
		return nil, &LoopError{Phase: PhaseConfirm, Iteration: st.iteration, Cause: err}
	}

	st.logger.Info("confirmation resolved", "tool", call.Name, "status", decision.Status, "by", decision.By)
	if decision.Approved() {
		res, err := o.invoker.Execute(ctx, call, args, st.exec)
		if res != nil {
			st.record(call, res)
		}
		if err != nil {
			return nil, &LoopError{Phase: PhaseExecute, Iteration: st.iteration, Cause: err}
		}
		return nil, nil
	}

	st.record(call, notExecuted(call.Name, decision))
	if !o.cfg.AbortOnDenial {
		return nil, nil
	}
	text := fmt.Sprintf("Cancelled: %s was not approved.", call.Name)
	if decision.Status == models.ConfirmationTimedOut {
		text = fmt.Sprintf("Cancelled: approval for %s timed out.", call.Name)
	}
	return &models.Message{Role: models.RoleAssistant, Content: text}, nil
}

// notExecuted is the deterministic result the model sees for a call the
// user did not approve.
func notExecuted(tool string, d confirm.Decision) *models.ToolCallResult {
	if d.Status == models.ConfirmationTimedOut {
		return &models.ToolCallResult{
			Text:      fmt.Sprintf("No approval was received for %s before the deadline. The tool was not executed.", tool),
			IsError:   true,
			ErrorKind: KindTimedOut,
		}
	}
	return &models.ToolCallResult{
		Text:      fmt.Sprintf("The user denied the request to run %s. The tool was not executed.", tool),
		IsError:   true,
		ErrorKind: KindDenied,
	}
}

// record appends one tool-role message for call.
func (s *runState) record(call models.ToolCall, res *models.ToolCallResult) {
	s.artifacts = append(s.artifacts, res.AttachmentIDs...)
	s.emit(&models.Message{
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{res.AsToolResult(call.ID)},
	})
}
