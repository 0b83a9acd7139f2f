package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/toolerrors"
)

func tools() scheduler.Tools {
	return scheduler.Tools{
		"weather": scheduler.ToolFunc(func(_ context.Context, args any) (any, error) {
			m, _ := args.(map[string]any)
			return "sunny in " + m["city"].(string), nil
		}),
		"broken": scheduler.ToolFunc(func(context.Context, any) (any, error) {
			return nil, toolerrors.New("boom")
		}),
	}
}

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(ToolCallWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	env.RegisterActivityWithOptions(NewActivities(tools()).Execute, activity.RegisterOptions{Name: ActivityName})
	return env
}

func TestToolCallWorkflow(t *testing.T) {
	env := newEnv(t)
	env.ExecuteWorkflow(WorkflowName, CallInput{CallID: "c1", Name: "weather", Arguments: json.RawMessage(`{"city":"Lyon"}`)})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out CallOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	blocks, err := decode(out)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	resp, ok := blocks[0].(model.ToolResponseBlock)
	require.True(t, ok)
	assert.Equal(t, "c1", resp.CallID)
	assert.Equal(t, "sunny in Lyon", resp.Result)
}

func TestToolErrorCompletesWorkflow(t *testing.T) {
	env := newEnv(t)
	env.ExecuteWorkflow(WorkflowName, CallInput{CallID: "c2", Name: "broken"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out CallOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	_, err := decode(out)
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Message)
}

func TestActivityRejectsInvalidArguments(t *testing.T) {
	out, err := NewActivities(tools()).Execute(context.Background(), CallInput{CallID: "c3", Name: "weather", Arguments: json.RawMessage(`{`)})
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, toolerrors.CodeInvalidArguments, out.Error.Code)
}

func TestExecutorStartsOneWorkflowPerCall(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "session-1/c1" &&
			o.TaskQueue == "tools" &&
			o.WorkflowIDReusePolicy == enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE &&
			o.WorkflowIDConflictPolicy == enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING
	}), WorkflowName, mock.Anything).Return(run, nil)
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		raw, _ := json.Marshal(model.ToolResponseBlock{CallID: "c1", Name: "weather", Result: "sunny", IsComplete: model.Bool(true)})
		*args.Get(1).(*CallOutput) = CallOutput{Blocks: []json.RawMessage{raw}}
	}).Return(nil)

	e, err := NewExecutor(ExecutorOptions{Client: c, TaskQueue: "tools", IDPrefix: "session-1"})
	require.NoError(t, err)
	blocks, err := e.Execute(context.Background(), scheduler.Request{CallID: "c1", Name: "weather", Arguments: map[string]any{"city": "Lyon"}})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "sunny", blocks[0].(model.ToolResponseBlock).Result)
	c.AssertExpectations(t)
}

func TestExecutorCancelsWorkflow(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).Return(run, nil)
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, mock.Anything).Return(context.Canceled)
	c.On("CancelWorkflow", mock.Anything, "tool-call/c1", "run-1").Return(nil)

	e, err := NewExecutor(ExecutorOptions{Client: c, TaskQueue: "tools"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, scheduler.Request{CallID: "c1", Name: "weather"})
	assert.ErrorIs(t, err, context.Canceled)
	c.AssertExpectations(t)
}

func TestExecutorStartFailure(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).Return(nil, errors.New("unavailable"))
	e, err := NewExecutor(ExecutorOptions{Client: c, TaskQueue: "tools"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), scheduler.Request{CallID: "c1", Name: "weather"})
	assert.ErrorContains(t, err, "unavailable")
}

func TestNewExecutorValidation(t *testing.T) {
	_, err := NewExecutor(ExecutorOptions{TaskQueue: "tools"})
	assert.Error(t, err)
	_, err = NewExecutor(ExecutorOptions{Client: &mocks.Client{}})
	assert.Error(t, err)
}
