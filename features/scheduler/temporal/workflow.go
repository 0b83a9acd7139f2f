package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/toolerrors"
)

const (
	// WorkflowName is the registered name of the tool call workflow.
	WorkflowName = "transcript.ToolCall"
	// ActivityName is the registered name of the tool execution activity.
	ActivityName = "transcript.ExecuteTool"

	defaultCallTimeout = 5 * time.Minute
	heartbeatInterval  = 5 * time.Second
)

type (
	// CallInput is the workflow and activity input.
	CallInput struct {
		CallID    string
		Name      string
		Arguments json.RawMessage
		// Timeout bounds one execution of the tool. Zero uses five minutes.
		Timeout time.Duration
	}

	// CallOutput carries the tool blocks in their JSON form. Tool failures
	// are data: Error is set and the workflow completes successfully.
	CallOutput struct {
		Blocks []json.RawMessage
		Error  *toolerrors.ToolError
	}

	// Activities executes tools on behalf of the workflow.
	Activities struct {
		exec scheduler.Executor
	}
)

// NewActivities returns the activities running tools with exec.
func NewActivities(exec scheduler.Executor) *Activities {
	return &Activities{exec: exec}
}

// ToolCallWorkflow executes the tool activity once. Tools are not retried:
// a call id maps to at most one execution.
func ToolCallWorkflow(ctx workflow.Context, in CallInput) (CallOutput, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    3 * heartbeatInterval,
		WaitForCancellation: true,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	var out CallOutput
	err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &out)
	return out, err
}

// Execute runs the tool named by in and encodes its blocks. It heartbeats
// while the tool runs so workflow cancellation reaches the tool context.
func (a *Activities) Execute(ctx context.Context, in CallInput) (CallOutput, error) {
	var args any
	if len(in.Arguments) > 0 {
		if err := json.Unmarshal(in.Arguments, &args); err != nil {
			return CallOutput{Error: toolerrors.WithCode(toolerrors.CodeInvalidArguments, err.Error())}, nil
		}
	}

	done := make(chan struct{})
	defer close(done)
	if activity.IsActivity(ctx) {
		go heartbeat(ctx, done)
	}

	blocks, err := a.exec.Execute(ctx, scheduler.Request{CallID: in.CallID, Name: in.Name, Arguments: args})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return CallOutput{}, err
		}
		return CallOutput{Error: toolerrors.FromError(err)}, nil
	}
	out := CallOutput{Blocks: make([]json.RawMessage, 0, len(blocks))}
	for i, b := range blocks {
		raw, err := json.Marshal(b)
		if err != nil {
			return CallOutput{}, fmt.Errorf("encode block %d of %s: %w", i, in.CallID, err)
		}
		out.Blocks = append(out.Blocks, raw)
	}
	return out, nil
}

func heartbeat(ctx context.Context, done <-chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			activity.RecordHeartbeat(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// decode converts out back into tool blocks or the tool error.
func decode(out CallOutput) ([]model.Block, error) {
	if out.Error != nil {
		return nil, out.Error
	}
	blocks := make([]model.Block, 0, len(out.Blocks))
	for i, raw := range out.Blocks {
		b, err := model.DecodeBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("decode block %d: %w", i, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
