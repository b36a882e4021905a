package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/jobctx"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
)

// sleepArgs is the payload of the built-in sleep job.
type sleepArgs struct {
	Duration string `json:"duration"`
	Steps    int    `json:"steps"`
}

// failArgs is the payload of the built-in fail job.
type failArgs struct {
	Message string `json:"message"`
	Final   bool   `json:"final"`
}

// registerBuiltins installs the handlers the command line can run without
// application code: echo returns its payload, sleep waits while reporting
// progress and fail always errors.
func registerBuiltins(q *queue.Queue) {
	q.Register("echo", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		_ = jobctx.Log(ctx, jobctx.LevelInfo, "echo")
		if len(payload) == 0 {
			return json.RawMessage("null"), nil
		}
		return payload, nil
	})

	q.Register("sleep", func(ctx context.Context, args sleepArgs) error {
		d, err := time.ParseDuration(args.Duration)
		if err != nil {
			return core.NoRetry(err)
		}
		steps := max(args.Steps, 1)
		step := d / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step):
			}
			_ = jobctx.Progress(ctx, map[string]int{"step": i, "of": steps})
		}
		return nil
	})

	q.Register("fail", func(ctx context.Context, args failArgs) error {
		msg := args.Message
		if msg == "" {
			msg = "failed on purpose"
		}
		err := errors.New(msg)
		if args.Final {
			return core.NoRetry(err)
		}
		return err
	})
}
