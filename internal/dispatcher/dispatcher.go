// Package dispatcher implements the central command loop (C9): it drains
// the trigger manager's output channel, drives each fired trigger through
// the component engine and the submission manager, and owns the
// register/unregister-on-service-change hooks the admin API calls into.
package dispatcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
	"github.com/avs-mesh/wavsnode/internal/txkey"
)

// TriggerSource is the subset of the trigger manager the dispatcher drives.
type TriggerSource interface {
	Output() <-chan envelope.TriggerAction
	AddService(ctx context.Context, svc registry.Service) error
	RemoveService(svcID envelope.ServiceId)
}

// Engine is the subset of the component engine the dispatcher calls for a
// fired trigger's operator entry point.
type Engine interface {
	ExecuteOperator(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction) (envelope.Envelope, error)
}

// Submission is the subset of the submission manager the dispatcher hands
// an operator's result to.
type Submission interface {
	Handle(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction, resp envelope.OperatorResponse) error
}

// Config configures a Dispatcher.
type Config struct {
	Registry   *registry.Store
	Trigger    TriggerSource
	Engine     Engine
	Submission Submission
	Logger     *logging.Logger

	// Workers, when > 1, fans trigger processing out across a pool keyed by
	// (service_id, workflow_id) via txkey.Registry: distinct trigger sources
	// run concurrently, a single source stays serialized. The default (0 or
	// 1) processes triggers one at a time in channel-receive order, which
	// trivially satisfies per-source and cross-source FIFO.
	Workers int
}

// Dispatcher is the central command loop (C9). Start it once; it runs until
// its context is cancelled (the idiomatic equivalent of the Kill message: a
// single ctx.Done() fires the same cooperative shutdown every other
// subsystem already implements this way).
type Dispatcher struct {
	registry   *registry.Store
	trigger    TriggerSource
	engine     Engine
	submission Submission
	log        *logging.Logger
	workers    int
	txkeys     *txkey.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		registry:   cfg.Registry,
		trigger:    cfg.Trigger,
		engine:     cfg.Engine,
		submission: cfg.Submission,
		log:        cfg.Logger,
		workers:    cfg.Workers,
		txkeys:     txkey.NewRegistry(),
	}
}

// Start launches the dispatch loop. It is idempotent: a second Start call
// while already running is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(runCtx)
	}()
}

// Stop cancels the dispatch loop and waits for it to drain, up to ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-d.trigger.Output():
			if !ok {
				return
			}
			if d.workers > 1 {
				key := fmt.Sprintf("%s:%s", action.Config.ServiceId, action.Config.WorkflowId)
				go d.txkeys.Do(key, func() { d.handleTrigger(ctx, action) })
			} else {
				d.handleTrigger(ctx, action)
			}
		}
	}
}

// RegisterService subscribes svc's triggers with the trigger source. Called
// by the admin API's add-service route (POST /app).
func (d *Dispatcher) RegisterService(ctx context.Context, svc registry.Service) error {
	return d.trigger.AddService(ctx, svc)
}

// UnregisterService removes svcID's triggers. Call on service delete.
func (d *Dispatcher) UnregisterService(svcID envelope.ServiceId) {
	d.trigger.RemoveService(svcID)
}

func (d *Dispatcher) handleTrigger(ctx context.Context, action envelope.TriggerAction) {
	svcID := action.Config.ServiceId
	wfID := action.Config.WorkflowId

	svc, err := d.registry.Get(svcID)
	if err != nil {
		d.warnf(ctx, "dispatch: unknown service for fired trigger", err, svcID, wfID)
		return
	}
	wf, ok := svc.Workflows[wfID]
	if !ok {
		d.warnf(ctx, "dispatch: unknown workflow for fired trigger", nil, svcID, wfID)
		return
	}
	if !svc.Active {
		return
	}

	env, err := d.engine.ExecuteOperator(ctx, svc, wf, action)
	if err != nil {
		d.warnf(ctx, "dispatch: operator execution failed", err, svcID, wfID)
		return
	}

	ordering := binary.BigEndian.Uint64(env.Ordering[4:])
	resp := envelope.OperatorResponse{Payload: env.Payload, Ordering: &ordering}

	if err := d.submission.Handle(ctx, svc, wf, action, resp); err != nil {
		d.warnf(ctx, "dispatch: submission handling failed", err, svcID, wfID)
	}
}

func (d *Dispatcher) warnf(ctx context.Context, message string, err error, svcID envelope.ServiceId, wfID envelope.WorkflowId) {
	if d.log == nil {
		return
	}
	fields := map[string]interface{}{"service_id": svcID.String(), "workflow_id": string(wfID)}
	if err != nil {
		fields["error"] = err.Error()
	}
	d.log.Warn(ctx, message, fields)
}
