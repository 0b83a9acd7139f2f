package scheduler

import (
	"context"
	"fmt"
	"strings"

	"goa.design/goa-transcript/runtime/model"
)

type (
	// Request is one tool call to execute.
	Request struct {
		CallID    string
		Name      string
		Arguments any
	}

	// Executor runs a tool call. Implementations return the blocks the tool
	// produced; the scheduler keeps the completion for req.CallID and drops
	// everything else, including echoes of the originating call.
	Executor interface {
		Execute(ctx context.Context, req Request) ([]model.Block, error)
	}

	// ExecutorFunc adapts a function to Executor.
	ExecutorFunc func(ctx context.Context, req Request) ([]model.Block, error)

	// Tools routes requests to executors by tool name.
	Tools map[string]Executor
)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) ([]model.Block, error) {
	return f(ctx, req)
}

// ToolFunc adapts a function returning a plain result value.
func ToolFunc(fn func(ctx context.Context, args any) (any, error)) Executor {
	return ExecutorFunc(func(ctx context.Context, req Request) ([]model.Block, error) {
		res, err := fn(ctx, req.Arguments)
		if err != nil {
			return nil, err
		}
		return []model.Block{model.ToolResponseBlock{CallID: req.CallID, Name: req.Name, Result: res, IsComplete: model.Bool(true)}}, nil
	})
}

// Execute dispatches req to the executor registered under req.Name.
func (t Tools) Execute(ctx context.Context, req Request) ([]model.Block, error) {
	exec, ok := t[req.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", req.Name)
	}
	return exec.Execute(ctx, req)
}

// filter reduces what a tool produced to the single completion of req.
// tool_call blocks are echoes and are dropped, as are completions for other
// ids. When the tool returned no completion, its text blocks become the
// result. The returned count is the number of blocks dropped.
func filter(req Request, blocks []model.Block) (model.ToolResponseBlock, int) {
	var (
		resp    *model.ToolResponseBlock
		text    []string
		dropped int
	)
	for _, b := range blocks {
		switch v := b.(type) {
		case model.ToolResponseBlock:
			if resp != nil || (v.CallID != "" && v.CallID != req.CallID) {
				dropped++
				continue
			}
			resp = &v
		case model.TextBlock:
			text = append(text, v.Text)
		default:
			dropped++
		}
	}
	if resp == nil {
		out := model.ToolResponseBlock{IsComplete: model.Bool(true)}
		if len(text) > 0 {
			out.Result = strings.Join(text, "\n")
		}
		resp = &out
	} else if len(text) > 0 {
		dropped += len(text)
	}
	resp.CallID = req.CallID
	resp.Name = req.Name
	resp.Reason = ""
	return *resp, dropped
}
