package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		// Client connects the worker. When nil ClientOptions is used to build
		// a lazy client owned by the worker.
		Client        client.Client
		ClientOptions *client.Options
		// TaskQueue is the queue polled by the worker. Required.
		TaskQueue string
		// Executor runs the tools. Required.
		Executor scheduler.Executor
		// Options are passed to worker.New.
		Options worker.Options
		// DisableTracing skips the OpenTelemetry tracing interceptor.
		DisableTracing bool
		Telemetry      telemetry.Telemetry
	}

	// Worker hosts the tool call workflow and activity.
	Worker struct {
		client      client.Client
		closeClient bool
		worker      worker.Worker
		queue       string
		tel         telemetry.Telemetry

		startOnce sync.Once
	}
)

// NewWorker registers the workflow and activity on a new worker. The worker
// does not poll until Start is called.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	var tracer interceptor.Interceptor
	if !opts.DisableTracing {
		t, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("configure tracing interceptor: %w", err)
		}
		tracer = t
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("client options are required when client is nil")
		}
		co := *opts.ClientOptions
		if tracer != nil {
			co.Interceptors = append(co.Interceptors, tracer)
		}
		if co.MetricsHandler == nil {
			co.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		c, err := client.NewLazyClient(co)
		if err != nil {
			return nil, fmt.Errorf("create temporal client: %w", err)
		}
		cli, closeClient = c, true
	}

	wopts := opts.Options
	if tracer != nil {
		wopts.Interceptors = append(wopts.Interceptors, tracer)
	}
	w := worker.New(cli, opts.TaskQueue, wopts)
	w.RegisterWorkflowWithOptions(ToolCallWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(NewActivities(opts.Executor).Execute, activity.RegisterOptions{Name: ActivityName})

	return &Worker{
		client:      cli,
		closeClient: closeClient,
		worker:      w,
		queue:       opts.TaskQueue,
		tel:         opts.Telemetry.WithDefaults(),
	}, nil
}

// Client returns the worker's Temporal client, for building an Executor.
func (w *Worker) Client() client.Client { return w.client }

// Start begins polling the task queue.
func (w *Worker) Start() error {
	var err error
	w.startOnce.Do(func() {
		err = w.worker.Start()
		if err == nil {
			w.tel.Logger.Info(context.Background(), "temporal worker started", "queue", w.queue)
		}
	})
	return err
}

// Stop stops the worker and closes the client it owns.
func (w *Worker) Stop() {
	w.worker.Stop()
	if w.closeClient {
		w.client.Close()
	}
}
