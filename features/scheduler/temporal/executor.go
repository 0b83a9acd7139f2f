package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		// Client starts and cancels tool call workflows. Required.
		Client client.Client
		// TaskQueue is the queue served by the Worker. Required.
		TaskQueue string
		// CallTimeout bounds one tool execution. Zero uses five minutes.
		CallTimeout time.Duration
		// IDPrefix namespaces workflow ids, for example per session.
		IDPrefix string
		// Telemetry defaults to no-op.
		Telemetry telemetry.Telemetry
	}

	// Executor dispatches tool calls to Temporal.
	Executor struct {
		client  client.Client
		queue   string
		timeout time.Duration
		prefix  string
		tel     telemetry.Telemetry
	}
)

const cancelTimeout = 5 * time.Second

// NewExecutor returns an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	prefix := opts.IDPrefix
	if prefix == "" {
		prefix = "tool-call"
	}
	return &Executor{
		client:  opts.Client,
		queue:   opts.TaskQueue,
		timeout: opts.CallTimeout,
		prefix:  prefix,
		tel:     opts.Telemetry.WithDefaults(),
	}, nil
}

// WorkflowID returns the workflow id of callID.
func (e *Executor) WorkflowID(callID string) string {
	return e.prefix + "/" + callID
}

// Execute starts the workflow of req, or attaches to the one already started
// or completed for the same call id, and waits for its result. Cancelling
// ctx cancels the workflow.
func (e *Executor) Execute(ctx context.Context, req scheduler.Request) ([]model.Block, error) {
	var args json.RawMessage
	if req.Arguments != nil {
		b, err := json.Marshal(req.Arguments)
		if err != nil {
			return nil, fmt.Errorf("encode arguments of %s: %w", req.CallID, err)
		}
		args = b
	}
	id := e.WorkflowID(req.CallID)
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                e.queue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, WorkflowName, CallInput{CallID: req.CallID, Name: req.Name, Arguments: args, Timeout: e.timeout})
	if err != nil {
		return nil, fmt.Errorf("start tool workflow %s: %w", id, err)
	}
	e.tel.Logger.Debug(ctx, "tool workflow started", "call_id", req.CallID, "workflow_id", id, "run_id", run.GetRunID())

	var out CallOutput
	if err := run.Get(ctx, &out); err != nil {
		if ctx.Err() != nil {
			e.cancel(ctx, id, run.GetRunID())
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool workflow %s: %w", id, err)
	}
	return decode(out)
}

func (e *Executor) cancel(ctx context.Context, id, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := e.client.CancelWorkflow(cctx, id, runID); err != nil {
		e.tel.Logger.Warn(ctx, "cancel tool workflow", "workflow_id", id, "err", err)
	}
}
