package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/engine"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
	"github.com/avs-mesh/wavsnode/internal/txkey"
)

const (
	defaultRetryBudget      = 5
	defaultConfirmationDepth = uint64(1)
	minRetryBackoff          = time.Second
	maxRetryBackoff          = 30 * time.Second
	depthWaitInterval        = 2 * time.Second
)

// Engine is the subset of the component engine the aggregator drives: the
// WASM aggregator component's main/timer/submit callbacks.
type Engine interface {
	ExecuteAggregator(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, sig envelope.SignatureData) (engine.AggregatorOutput, error)
	ExecuteTimerCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope) (engine.AggregatorOutput, error)
	ExecuteSubmitCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, result chain.SendResult, success bool) error
}

// Config configures a Manager.
type Config struct {
	Registry   *registry.Store
	Engine     Engine
	Clients    map[string]chain.Client // keyed by ChainKey.String()
	TxKeys     *txkey.Registry
	Marker     *kvstore.Bucket // persisted queue_key -> tx_hash, for at-most-once delivery
	Logger     *logging.Logger
	Registerer prometheus.Registerer

	// ConfirmationDepth overrides the default (1) per chain, keyed by
	// ChainKey.String().
	ConfirmationDepth map[string]uint64
	// RetryBudget overrides defaultRetryBudget.
	RetryBudget int
}

// Manager is the aggregator (C8). One instance serves every workflow that
// names an aggregator URL pointing at this node.
type Manager struct {
	registry *registry.Store
	engine   Engine
	clients  map[string]chain.Client
	txkeys   *txkey.Registry
	marker   *kvstore.Bucket
	log      *logging.Logger
	metrics  *metrics

	depth       map[string]uint64
	retryBudget int

	mu     sync.Mutex
	groups map[string]*group
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}
	return &Manager{
		registry:    cfg.Registry,
		engine:      cfg.Engine,
		clients:     cfg.Clients,
		txkeys:      cfg.TxKeys,
		marker:      cfg.Marker,
		log:         cfg.Logger,
		metrics:     newMetrics(cfg.Registerer),
		depth:       cfg.ConfirmationDepth,
		retryBudget: budget,
		groups:      make(map[string]*group),
	}
}

func (m *Manager) groupFor(keyStr string, key envelope.QueueKey) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[keyStr]
	if !ok {
		g = newGroup(key)
		m.groups[keyStr] = g
	}
	return g
}

func (m *Manager) clientFor(chainKey envelope.ChainKey) (chain.Client, error) {
	c, ok := m.clients[chainKey.String()]
	if !ok {
		return nil, fmt.Errorf("no configured chain client for %s", chainKey)
	}
	return c, nil
}

func (m *Manager) depthFor(chainKey envelope.ChainKey) uint64 {
	if d, ok := m.depth[chainKey.String()]; ok {
		return d
	}
	return defaultConfirmationDepth
}

// Accept processes one incoming Packet from an operator (§4.8). Per-packet
// failures are isolated to this packet's queue key; they never affect other
// groups.
func (m *Manager) Accept(ctx context.Context, p envelope.Packet) error {
	svc, err := m.registry.Get(p.Service.Id)
	if err != nil {
		return err
	}
	wf, ok := svc.Workflows[p.WorkflowId]
	if !ok {
		return errors.New(errors.CodeMalformedPacket, "packet names an unknown workflow", 0)
	}

	signer, err := envelope.RecoverAddress(p.Submission.Envelope, wf.SubmitKind, p.Submission.EnvelopeSignature)
	if err != nil {
		return errors.Wrap(errors.CodeMalformedPacket, "recover packet signer", 0, err)
	}

	key := envelope.QueueKey{EventId: p.Submission.EventId, WorkflowId: p.WorkflowId, SubmitTarget: svc.Manager.Address}
	keyStr := queueKeyString(key)

	var result error
	m.txkeys.Do(keyStr, func() {
		result = m.acceptLocked(ctx, svc, wf, key, keyStr, p, signer)
	})
	return result
}

func (m *Manager) acceptLocked(ctx context.Context, svc registry.Service, wf registry.Workflow, key envelope.QueueKey, keyStr string, p envelope.Packet, signer ethcommon.Address) error {
	if exists, err := m.marker.Exists(keyStr); err != nil {
		return err
	} else if exists {
		// Already submitted; acknowledge without re-submitting (§4.8
		// at-most-once delivery).
		return nil
	}

	g := m.groupFor(keyStr, key)
	g.mu.Lock()
	if g.env == nil {
		env := p.Submission.Envelope
		g.env = &env
		g.payload = append([]byte(nil), p.Submission.OperatorResponse.Payload...)
		g.originBlock = p.Submission.OriginBlock
	} else if !bytes.Equal(g.payload, p.Submission.OperatorResponse.Payload) {
		g.mu.Unlock()
		return errors.New(errors.CodePayloadMismatch, "second differing payload for event_id", 0)
	}
	added := g.addSigner(signer, p.Submission.EnvelopeSignature)
	g.mu.Unlock()

	if added {
		m.metrics.signaturesAccepted.WithLabelValues(string(key.WorkflowId)).Inc()
	}

	return m.evaluateGroup(ctx, svc, wf, g)
}

// evaluateGroup decides, for the current accumulated signature set, whether
// to invoke the workflow's WASM aggregator component (if it has one) and/or
// attempt submission under the default quorum policy.
func (m *Manager) evaluateGroup(ctx context.Context, svc registry.Service, wf registry.Workflow, g *group) error {
	g.mu.Lock()
	if g.submitted || g.parked || g.env == nil {
		g.mu.Unlock()
		return nil
	}
	env := *g.env
	sig := g.sig
	g.mu.Unlock()

	if out, ok := m.tryComponentDecision(ctx, svc, wf, env, sig); ok {
		switch out.Decision {
		case engine.AggregatorDecisionSubmit:
			return m.trySubmit(ctx, svc, wf, g, env, sig)
		case engine.AggregatorDecisionTimer:
			m.scheduleTimer(svc, wf, g, time.Duration(out.TimerDelaySeconds)*time.Second)
			return nil
		default: // AggregatorDecisionNoop
			return nil
		}
	}

	// No WASM aggregator component (or it trapped): fall back to the
	// default policy, the on-chain quorum predicate alone.
	return m.trySubmit(ctx, svc, wf, g, env, sig)
}

// tryComponentDecision invokes the workflow's aggregator component, if any.
// A component that does not export run_aggregator (or traps) is treated as
// "no component configured" rather than a hard failure, since Workflow
// carries no separate flag distinguishing the two.
func (m *Manager) tryComponentDecision(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, sig envelope.SignatureData) (engine.AggregatorOutput, bool) {
	if m.engine == nil {
		return engine.AggregatorOutput{}, false
	}
	out, err := m.engine.ExecuteAggregator(ctx, svc, wf, env, sig)
	if err != nil {
		return engine.AggregatorOutput{}, false
	}
	return out, true
}

// trySubmit applies the confirmation-depth gate and the on-chain quorum
// predicate, then submits and persists the at-most-once marker on success.
func (m *Manager) trySubmit(ctx context.Context, svc registry.Service, wf registry.Workflow, g *group, env envelope.Envelope, sig envelope.SignatureData) error {
	client, err := m.clientFor(svc.Manager.Chain)
	if err != nil {
		return err
	}

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return m.retryOrPark(svc, wf, g, err)
	}

	g.mu.Lock()
	originBlock := g.originBlock
	g.mu.Unlock()
	if height < originBlock+m.depthFor(svc.Manager.Chain) {
		m.scheduleReevaluate(svc, wf, g, depthWaitInterval)
		return nil
	}

	referenceBlock := height - 1
	vr, err := client.Validate(ctx, svc.Manager.Address, env, sig, referenceBlock)
	if err != nil {
		// Local encode/transport failure, not a decoded on-chain outcome:
		// Resource-class, bounded retry with backoff.
		m.metrics.quorumChecksTotal.WithLabelValues("error").Inc()
		return m.retryOrPark(svc, wf, g, err)
	}
	switch vr.Outcome {
	case chain.ValidateOk:
		m.metrics.quorumChecksTotal.WithLabelValues("ok").Inc()
	case chain.ValidateInsufficientQuorum:
		// Wait for more packets; no retry-budget consumption (§4.8: this is
		// an expected, not a failed, predicate result).
		m.metrics.quorumChecksTotal.WithLabelValues("insufficient").Inc()
		m.scheduleReevaluate(svc, wf, g, depthWaitInterval)
		return nil
	default:
		// Every other outcome is a permanently fatal Protocol failure
		// (invalid signature/order/length/block, invalid quorum params):
		// report and abandon the group immediately, no backoff/park.
		m.metrics.quorumChecksTotal.WithLabelValues("protocol_error").Inc()
		return m.abandonGroup(g, vr)
	}

	result, err := client.Submit(ctx, svc.Manager.Address, env, sig)
	if err != nil {
		m.metrics.submissionsTotal.WithLabelValues("error").Inc()
		return m.retryOrPark(svc, wf, g, err)
	}
	m.metrics.submissionsTotal.WithLabelValues("sent").Inc()

	g.mu.Lock()
	g.submitted = true
	g.mu.Unlock()

	if err := m.marker.Set(queueKeyString(g.key), []byte(result.TxHash)); err != nil && m.log != nil {
		m.log.Error(ctx, "failed to persist submitted marker", err, map[string]interface{}{"queue_key": queueKeyString(g.key)})
	}

	go m.awaitInclusionAndCallback(svc, wf, env, client, result)
	return nil
}

func (m *Manager) awaitInclusionAndCallback(svc registry.Service, wf registry.Workflow, env envelope.Envelope, client chain.Client, result chain.SendResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	_, err := client.WatchInclusion(ctx, result.TxHash)
	success := err == nil
	if m.engine == nil {
		return
	}
	if cbErr := m.engine.ExecuteSubmitCallback(ctx, svc, wf, env, result, success); cbErr != nil && m.log != nil {
		m.log.Error(ctx, "submit callback failed", cbErr, map[string]interface{}{"tx_hash": result.TxHash})
	}
}

// abandonGroup reports and abandons a group after a non-quorum Protocol
// validate() outcome (§4.8/§7): parked immediately, bypassing retryOrPark's
// backoff/budget accounting entirely, since these failures are permanent —
// retrying the same signature set against the same chain state cannot
// succeed.
func (m *Manager) abandonGroup(g *group, vr chain.ValidateResult) error {
	g.mu.Lock()
	g.parked = true
	g.mu.Unlock()

	code := vr.Code()
	m.metrics.groupsAbandonedTotal.WithLabelValues(string(code)).Inc()
	nerr := errors.New(code, fmt.Sprintf("on-chain validate() returned a fatal protocol outcome: %s", vr.Outcome), 0).
		WithContext("queue_key", queueKeyString(g.key))
	if m.log != nil {
		m.log.Error(context.Background(), "aggregator group abandoned on protocol validate() failure", nerr, map[string]interface{}{
			"alert": true, "queue_key": queueKeyString(g.key), "outcome": string(vr.Outcome),
		})
	}
	return nerr
}

// retryOrPark applies bounded exponential backoff to a failed quorum/submit
// attempt, parking the group (and logging an operator alert) once the retry
// budget is exhausted (§4.8 failure semantics).
func (m *Manager) retryOrPark(svc registry.Service, wf registry.Workflow, g *group, cause error) error {
	g.mu.Lock()
	g.retries++
	retries := g.retries
	g.mu.Unlock()

	if retries > m.retryBudget {
		g.mu.Lock()
		g.parked = true
		g.mu.Unlock()
		m.metrics.groupsParkedTotal.Inc()
		if m.log != nil {
			m.log.Error(context.Background(), "aggregator group parked after exhausting retry budget", cause, map[string]interface{}{
				"alert": true, "queue_key": queueKeyString(g.key), "retries": retries,
			})
		}
		return errors.Wrap(errors.CodeTransport, "aggregator group parked after exhausting retry budget", 0, cause)
	}

	backoff := minRetryBackoff
	for i := 1; i < retries; i++ {
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
			break
		}
	}
	m.scheduleReevaluate(svc, wf, g, backoff)
	return nil
}

func (m *Manager) scheduleReevaluate(svc registry.Service, wf registry.Workflow, g *group, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		m.txkeys.Do(queueKeyString(g.key), func() {
			err = m.evaluateGroup(ctx, svc, wf, g)
		})
		if err != nil && m.log != nil {
			m.log.Warn(ctx, "scheduled aggregator re-evaluation failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

// scheduleTimer arms a Timer decision's callback. A newer timer or a direct
// re-evaluation supersedes an older, still-pending one via timerSeq.
func (m *Manager) scheduleTimer(svc registry.Service, wf registry.Workflow, g *group, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	g.mu.Lock()
	g.timerSeq++
	seq := g.timerSeq
	g.mu.Unlock()

	time.AfterFunc(delay, func() {
		g.mu.Lock()
		current := g.timerSeq
		env := g.env
		g.mu.Unlock()
		if current != seq || env == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		out, err := m.engine.ExecuteTimerCallback(ctx, svc, wf, *env)
		if err != nil {
			if m.log != nil {
				m.log.Warn(ctx, "aggregator timer callback failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		switch out.Decision {
		case engine.AggregatorDecisionSubmit:
			m.txkeys.Do(queueKeyString(g.key), func() {
				g.mu.Lock()
				sig := g.sig
				g.mu.Unlock()
				_ = m.trySubmit(ctx, svc, wf, g, *env, sig)
			})
		case engine.AggregatorDecisionTimer:
			m.scheduleTimer(svc, wf, g, time.Duration(out.TimerDelaySeconds)*time.Second)
		}
	})
}
