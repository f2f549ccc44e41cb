// Package echotimer is a small demonstration plugin. It exports a
// synchronous echo entry and a heartbeat timer, and is compiled into the
// nexabus binary as a working reference for plugin authors.
//
// Manifest:
//
//	[plugin]
//	id = "echotimer"
//	entry = "examples.echotimer"
//	version = "1.0.0"
package echotimer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexabus/nexabus/plugin"
)

type echoTimer struct {
	beats atomic.Int64
}

func init() {
	plugin.RegisterFactory("examples.echotimer", func() plugin.Instance {
		return &echoTimer{}
	})
}

func (p *echoTimer) Register(r plugin.Registrar) {
	r.Entry("echo", p.echo,
		plugin.WithSchema(&plugin.Schema{
			Required: []string{"text"},
			Types:    map[string]string{"text": "string"},
		}))
	r.Entry("beats", p.beatCount)
	r.Timer("heartbeat", 30*time.Second, true, p.heartbeat)
}

func (p *echoTimer) echo(_ context.Context, _ *plugin.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args["text"]}, nil
}

func (p *echoTimer) beatCount(context.Context, *plugin.Context, map[string]any) (any, error) {
	return map[string]any{"beats": p.beats.Load()}, nil
}

func (p *echoTimer) heartbeat(ctx context.Context, pc *plugin.Context, _ map[string]any) (any, error) {
	n := p.beats.Add(1)
	err := pc.Bus.PushMessage(ctx, map[string]any{
		"type":    "heartbeat",
		"topic":   "echotimer",
		"content": map[string]any{"beat": n},
	})
	return nil, err
}

// The heartbeat counter survives restarts when checkpointing is on.
func (p *echoTimer) FreezeState() map[string]any {
	return map[string]any{"beats": p.beats.Load()}
}

func (p *echoTimer) RestoreState(state map[string]any) {
	switch v := state["beats"].(type) {
	case int64:
		p.beats.Store(v)
	case float64:
		p.beats.Store(int64(v))
	}
}
