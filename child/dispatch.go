package child

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/plugin"
)

// dispatch routes one trigger to its execution mode. Worker-mode handlers
// run on the bounded pool, async handlers on their own goroutine, and
// everything else inline so ordering within the command loop is preserved.
func (r *Runner) dispatch(reqID string, ent *entry, args map[string]any) {
	switch {
	case ent.desc.Worker != nil:
		err := r.pool.Submit(func() {
			r.reply(reqID, r.run(ent, args))
		})
		if err != nil {
			r.replyError(reqID, plugin.CodeRateLimited, "worker pool saturated")
		}
	case ent.desc.Kind == "async":
		go r.reply(reqID, r.run(ent, args))
	default:
		r.reply(reqID, r.run(ent, args))
	}
}

// run validates, invokes under the call timeout, and checkpoints on success.
func (r *Runner) run(ent *entry, args map[string]any) *plugin.Result {
	if err := ent.desc.InputSchema.Validate(args); err != nil {
		return plugin.FailErr(err)
	}

	res := r.invoke(ent, args)

	if res.Success && r.shouldCheckpoint(ent) {
		r.checkpoint()
	}
	return res
}

func (r *Runner) shouldCheckpoint(ent *entry) bool {
	mode := ent.desc.Checkpoint
	if mode == plugin.CheckpointOff {
		mode = r.opts.CheckpointMode
	}
	return mode == plugin.CheckpointAlways
}

// invoke executes the handler with panic recovery, bounded by the
// per-descriptor or global timeout. A timed-out handler is abandoned; its
// goroutine keeps the cancel signal through the context.
func (r *Runner) invoke(ent *entry, args map[string]any) *plugin.Result {
	timeout := r.opts.ExecTimeout
	if ent.desc.Worker != nil && ent.desc.Worker.Timeout > 0 {
		timeout = ent.desc.Worker.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan *plugin.Result, 1)
	go func() {
		defer errors.RecoverWithHandler(func(e *errors.AppError) {
			r.logger.Error("handler panicked",
				zap.String("event_id", ent.desc.EventID), zap.Error(e))
			done <- plugin.Fail(plugin.CodeInternal, "handler panicked: "+e.Message)
		})
		data, err := ent.fn(ctx, r.pc, args)
		if err != nil {
			done <- plugin.FailErr(err)
			return
		}
		done <- plugin.OK(data)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		r.logger.Warn("handler timed out",
			zap.String("event_id", ent.desc.EventID),
			zap.Duration("timeout", timeout))
		return plugin.Fail(plugin.CodeTimeout,
			"handler '"+ent.desc.EventID+"' exceeded "+timeout.String()).Retriable()
	}
}

// reply sends one result frame on the result queue.
func (r *Runner) reply(reqID string, res *plugin.Result) {
	if reqID == "" {
		return
	}
	out := ipc.Result{OK: res.Success, Message: res.Message}
	if data, ok := res.Data.(map[string]any); ok {
		out.Data = data
	} else if res.Data != nil {
		out.Data = map[string]any{"value": res.Data}
	}
	if res.Err != nil {
		out.Code = string(res.Err.Code)
		out.Message = res.Err.Message
		out.Details = res.Err.Details
	}
	if err := r.send(ipc.ResultFrame(reqID, out)); err != nil {
		r.logger.Error("result not delivered",
			zap.String("req_id", reqID), zap.Error(err))
	}
}

func (r *Runner) replyError(reqID string, code plugin.ErrorCode, msg string) {
	r.reply(reqID, plugin.Fail(code, msg))
}
