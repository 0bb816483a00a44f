package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/gateway/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

// dispatchTool runs one captured function call and owns the rest of the
// turn: client notifications, execution, transcript record, supervision
// report, and the behavior-dependent follow-up. Callers hold mu.
func (s *Session) dispatchTool(ctx context.Context, call *core.FunctionCall, signature []byte, responseID, preamble string, depth int) {
	args := tools.ParseArgs(call.Args, call.RawArgs)

	key := tools.DedupeKey(call.Name, args)
	if s.seenCalls[key] {
		s.log.Debug("duplicate function call in turn", "tool", call.Name)
		return
	}
	if s.seenCalls == nil {
		s.seenCalls = make(map[string]bool)
	}
	s.seenCalls[key] = true

	callID := call.ID
	if callID == "" {
		callID = call.Name
	}
	// The model's response id makes the idempotency key stable across a
	// replayed response; a provider that surfaces none gets a fresh id
	// and the guard degrades to per-dispatch uniqueness.
	if responseID == "" {
		responseID = uuid.NewString()
	}
	toolCall := tools.Call{
		ConversationID: s.conversationID,
		BotID:          s.bot.ID,
		ResponseID:     responseID,
		CallID:         callID,
		Name:           call.Name,
		Args:           args,
	}

	tool, registered := s.tools.Get(call.Name)
	behavior := tools.BehaviorConfirm
	actionType := "tool"
	if registered {
		behavior = tool.Behavior
		actionType = tool.ActionType
	}

	s.send(protocol.ToolExecutionStart{
		Type:          "tool_execution_start",
		ToolName:      call.Name,
		ActionType:    actionType,
		ActionDetails: args,
	})

	var result tools.Result
	if !registered {
		s.log.Warn("model requested unregistered tool", "tool", call.Name)
		result = tools.Result{
			Status:  tools.StatusError,
			Payload: map[string]any{"error": fmt.Sprintf("tool %q is not available", call.Name)},
		}
	} else {
		result = s.execute(ctx, tool, toolCall)
		s.send(protocol.ToolExecutionEnd{
			Type:     "tool_execution_end",
			ToolName: call.Name,
			Success:  result.Status == tools.StatusSuccess,
		})
	}

	if s.metrics != nil {
		s.metrics.ToolExecutions.WithLabelValues(call.Name, string(result.Status)).Inc()
	}
	s.lastToolMisfire = result.Status == tools.StatusError

	if result.Pause {
		s.paused = true
	}
	if result.ClientAction != nil {
		s.send(protocol.ScheduleAppointmentAction{
			Type: result.ClientAction.Type,
			URL:  result.ClientAction.URL,
		})
	}

	transcript := s.appendTurn(ctx, store.SpeakerTool, toolRecord(call.Name, args, result))
	s.reportTurn(transcript, toolDetail(call.Name, args, result))

	response := core.Part{
		FunctionResponse: &core.FunctionResponse{
			ID:       callID,
			Name:     call.Name,
			Response: result.Payload,
		},
		ThoughtSignature: signature,
	}

	switch {
	case result.Status == tools.StatusError:
		// Synthetic or real failure: the model explains and recovers.
		s.runTurn(ctx, []core.Part{response, {Text: "The tool call failed. " +
			"Briefly tell the user something went wrong and offer to try again " +
			"or help another way. Do not read out raw error details."}}, depth+1)

	case behavior == tools.BehaviorDataReturning:
		s.runTurn(ctx, []core.Part{response, {Text: "The " + call.Name +
			" tool returned the attached data. Relay the relevant parts to " +
			"the user conversationally, in your configured language."}}, depth+1)

	case behavior == tools.BehaviorSilentPartial:
		// An external event resumes the conversation later; the
		// function response rides along with the next model call.
		s.pending = append(s.pending, response)

	case behavior == tools.BehaviorSilentComplete:
		if preamble != "" {
			s.pending = append(s.pending, response)
			return
		}
		s.runTurn(ctx, []core.Part{response, {Text: "Tell the user in one " +
			"short sentence what you just did."}}, depth+1)

	default: // confirmation-needed
		if msg, ok := tools.ConfirmationFor(toolCall); ok {
			s.pending = append(s.pending, response)
			s.commitAssistantFinal(ctx, msg, false)
			return
		}
		s.runTurn(ctx, []core.Part{response, {Text: "Confirm to the user in " +
			"one short sentence what you just did."}}, depth+1)
	}
}

// execute runs the handler under the tool timeout and converts a panic
// into a synthetic error result so a buggy handler cannot take the
// session down.
func (s *Session) execute(ctx context.Context, tool tools.Tool, call tools.Call) (result tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tool handler panicked", "tool", call.Name, "panic", r)
			result = tools.Result{
				Status:  tools.StatusError,
				Payload: map[string]any{"error": "internal tool failure"},
			}
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.toolTimeout)
	defer cancel()

	res, err := tool.Handler(execCtx, call)
	if err != nil {
		s.log.Error("tool handler failed", "tool", call.Name, "error", err)
		return tools.Result{
			Status:  tools.StatusError,
			Payload: map[string]any{"error": "tool execution failed"},
		}
	}
	if res.Payload == nil {
		res.Payload = map[string]any{}
	}
	return res
}

func toolRecord(name string, args map[string]any, result tools.Result) string {
	argsJSON, _ := json.Marshal(args)
	payloadJSON, _ := json.Marshal(result.Payload)
	return fmt.Sprintf("%s %s -> %s %s", name, argsJSON, result.Status, payloadJSON)
}

func toolDetail(name string, args map[string]any, result tools.Result) supervise.TurnDetail {
	return supervise.TurnDetail{
		ToolName:   name,
		ToolArgs:   args,
		ToolResult: result.Payload,
		ToolError:  result.Status == tools.StatusError,
	}
}
