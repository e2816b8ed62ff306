// Package trigger implements the trigger manager (C6): it multiplexes EVM
// log streams, Cosmos event streams, block-interval and cron schedulers,
// and manual admin fires into a single bounded stream of TriggerActions.
package trigger

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// DefaultOutputBuffer sizes the trigger->dispatcher channel. The channel is
// bounded and never drops: a full buffer blocks producers until the
// dispatcher drains it (§4.6's backpressure requirement).
const DefaultOutputBuffer = 256

const (
	blockPollInterval = 2 * time.Second
	cronTickInterval  = 1 * time.Second
	minBackoff        = 250 * time.Millisecond
	maxBackoff        = 30 * time.Second
)

// Config configures a new Manager.
type Config struct {
	// Clients is keyed by ChainKey.String().
	Clients map[string]chain.Client
	// WSURLs optionally maps the same keys to a raw websocket endpoint used
	// only to probe liveness before a costly resubscribe attempt; chains
	// absent here skip the probe and redial unconditionally.
	WSURLs map[string]string
	Logger *logging.Logger
	// OutputBuffer overrides DefaultOutputBuffer.
	OutputBuffer int
}

// Manager is the node's trigger manager. One Manager instance serves every
// registered service.
type Manager struct {
	mu      sync.Mutex
	lookup  *lookupTable
	clients map[string]chain.Client
	wsURLs  map[string]string
	log     *logging.Logger

	out chan envelope.TriggerAction

	blockSchedulers map[lookupID]*blockIntervalScheduler
	cronSchedulers  map[lookupID]*cronScheduler

	evmWatchers    map[logKey]context.CancelFunc
	cosmosWatchers map[logKey]context.CancelFunc
	blockWatchers  map[string]context.CancelFunc // keyed by ChainKey.String()

	runCtx context.Context
}

// New constructs a Manager. Run must be called once before any events flow;
// AddService may be called before or after Run.
func New(cfg Config) *Manager {
	buf := cfg.OutputBuffer
	if buf <= 0 {
		buf = DefaultOutputBuffer
	}
	return &Manager{
		lookup:          newLookupTable(),
		clients:         cfg.Clients,
		wsURLs:          cfg.WSURLs,
		log:             cfg.Logger,
		out:             make(chan envelope.TriggerAction, buf),
		blockSchedulers: make(map[lookupID]*blockIntervalScheduler),
		cronSchedulers:  make(map[lookupID]*cronScheduler),
		evmWatchers:     make(map[logKey]context.CancelFunc),
		cosmosWatchers:  make(map[logKey]context.CancelFunc),
		blockWatchers:   make(map[string]context.CancelFunc),
	}
}

// Output is the bounded stream of fired trigger actions the dispatcher (C9)
// consumes.
func (m *Manager) Output() <-chan envelope.TriggerAction {
	return m.out
}

// Run starts the cron ticker driving every registered CronSpec and blocks
// until ctx is cancelled (§4.6's single kill-signal cancellation). EVM/
// Cosmos/block watchers are started per-registration by AddService and stop
// on cancellation of the ctx they were started with. RemoveService drops a
// service's lookup entries and schedulers, so its triggers stop firing, but
// does not stop a running watcher.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(cronTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tickCron(now)
		}
	}
}

func (m *Manager) tickCron(now time.Time) {
	m.mu.Lock()
	type firing struct {
		id lookupID
	}
	var fires []firing
	var terminal []lookupID
	for id, sched := range m.cronSchedulers {
		fired, done := sched.observe(now)
		if done {
			terminal = append(terminal, id)
			continue
		}
		if fired {
			fires = append(fires, firing{id: id})
		}
	}
	actions := make([]envelope.TriggerAction, 0, len(fires))
	for _, f := range fires {
		if action, ok := m.buildAction(f.id, envelope.TriggerData{
			Kind:  envelope.TriggerDataCronTime,
			Cron:  &envelope.CronTimeData{FiredAt: now.Unix()},
		}); ok {
			actions = append(actions, action)
		}
	}
	for _, id := range terminal {
		delete(m.cronSchedulers, id)
		m.lookup.remove(id)
	}
	m.mu.Unlock()

	for _, action := range actions {
		m.emit(action)
	}
}

// emit sends action to the output channel, blocking (never dropping) until
// the dispatcher drains it or the run context is cancelled.
func (m *Manager) emit(action envelope.TriggerAction) {
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case m.out <- action:
	case <-ctx.Done():
	}
}

// buildAction must be called with m.mu held; it looks up id's owning
// service/workflow and assembles a full TriggerAction.
func (m *Manager) buildAction(id lookupID, data envelope.TriggerData) (envelope.TriggerAction, bool) {
	sw, ok := m.lookup.serviceWorkflowOf(id)
	if !ok {
		return envelope.TriggerAction{}, false
	}
	trig, ok := m.lookup.triggerOf(id)
	if !ok {
		return envelope.TriggerAction{}, false
	}
	return envelope.TriggerAction{
		Config: envelope.TriggerConfig{ServiceId: sw.ServiceId, WorkflowId: sw.WorkflowId, Trigger: trig},
		Data:   data,
	}, true
}

// AddService registers every workflow trigger of svc, starting whatever
// watchers/schedulers are not already running for its (chain, address,
// topic) or chain.
func (m *Manager) AddService(ctx context.Context, svc registry.Service) error {
	for wfID, wf := range svc.Workflows {
		if err := m.addTrigger(ctx, svc.Id, wfID, wf.Trigger); err != nil {
			return fmt.Errorf("register trigger for workflow %s: %w", wfID, err)
		}
	}
	return nil
}

func (m *Manager) addTrigger(ctx context.Context, svcID envelope.ServiceId, wfID envelope.WorkflowId, trig envelope.Trigger) error {
	m.mu.Lock()
	id := m.lookup.add(svcID, wfID, trig)
	m.mu.Unlock()

	switch trig.Kind {
	case envelope.TriggerManual:
		return nil

	case envelope.TriggerEvmContractEvent:
		return m.ensureEvmWatcher(ctx, *trig.Evm)

	case envelope.TriggerCosmosContractEvt:
		return m.ensureCosmosWatcher(ctx, *trig.Cosmos)

	case envelope.TriggerBlockInterval:
		client, err := m.clientFor(trig.Block.Chain)
		if err != nil {
			return err
		}
		height, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("read chain height: %w", err)
		}
		m.mu.Lock()
		m.blockSchedulers[id] = newBlockIntervalScheduler(*trig.Block, height)
		m.mu.Unlock()
		return m.ensureBlockWatcher(ctx, trig.Block.Chain)

	case envelope.TriggerCron:
		sched, err := newCronScheduler(*trig.Cron, time.Now())
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.cronSchedulers[id] = sched
		m.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown trigger kind %q", trig.Kind)
	}
}

// RemoveService walks service_id -> workflow_id -> lookup_id transitively
// and deletes every trigger/scheduler entry for svc, per §4.6.
func (m *Manager) RemoveService(svcID envelope.ServiceId) {
	m.mu.Lock()
	removed := m.lookup.removeService(svcID)
	for _, id := range removed {
		delete(m.blockSchedulers, id)
		delete(m.cronSchedulers, id)
	}
	m.mu.Unlock()
}

// FireManual emits a TriggerAction for a Manual-kind trigger via the admin
// API, carrying raw as the trigger data payload.
func (m *Manager) FireManual(svcID envelope.ServiceId, wfID envelope.WorkflowId, raw []byte) error {
	m.mu.Lock()
	id, ok := m.lookup.byService[svcID][wfID]
	var action envelope.TriggerAction
	var built bool
	if ok {
		action, built = m.buildAction(id, envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: raw})
	}
	m.mu.Unlock()
	if !ok || !built {
		return fmt.Errorf("no manual trigger registered for service %s workflow %s", svcID, wfID)
	}
	m.emit(action)
	return nil
}

func (m *Manager) clientFor(key envelope.ChainKey) (chain.Client, error) {
	c, ok := m.clients[key.String()]
	if !ok {
		return nil, fmt.Errorf("no configured chain client for %s", key)
	}
	return c, nil
}

// ensureEvmWatcher starts one log-stream goroutine per distinct EVM
// (chain, address, topic) on first registration; later triggers sharing
// the same key reuse it (§4.6's "deduplicating across subscriptions"
// requirement) — EVM log filtering happens server-side per subscription.
func (m *Manager) ensureEvmWatcher(ctx context.Context, spec envelope.EvmContractEvent) error {
	key := logKey{Chain: spec.Chain, Address: spec.Address, Topic: fmt.Sprintf("%x", spec.EventHash)}
	query := chain.LogQuery{Address: spec.Address, EventTopic: spec.EventHash}
	return m.ensureWatcherFor(ctx, spec.Chain, key, query, m.evmWatchers, true)
}

// ensureCosmosWatcher starts one log-stream goroutine per distinct
// (chain, address) — the concrete Cosmos client filters by contract
// address only, so triggers on the same address but different event_type
// share one subscription and are routed client-side.
func (m *Manager) ensureCosmosWatcher(ctx context.Context, spec envelope.CosmosContractEvt) error {
	key := logKey{Chain: spec.Chain, Address: spec.Address}
	query := chain.LogQuery{Address: spec.Address}
	return m.ensureWatcherFor(ctx, spec.Chain, key, query, m.cosmosWatchers, false)
}

// ensureWatcherFor starts (if not already running) the log-stream watcher
// identified by watchKey, covering every trigger sharing it.
func (m *Manager) ensureWatcherFor(ctx context.Context, chainKey envelope.ChainKey, watchKey logKey, query chain.LogQuery, watchers map[logKey]context.CancelFunc, isEvm bool) error {
	client, err := m.clientFor(chainKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, running := watchers[watchKey]; running {
		m.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	watchers[watchKey] = cancel
	m.mu.Unlock()

	go m.watchLoop(watchCtx, chainKey, client, query, isEvm)
	return nil
}

// watchLoop subscribes to one (chain, address[, topic]) log stream,
// reconnecting with exponential backoff on error (§4.6). Before each
// resubscribe attempt it probes the websocket endpoint's liveness (when
// configured) so a stalled network is detected without repeatedly paying
// the RPC handshake cost.
func (m *Manager) watchLoop(ctx context.Context, chainKey envelope.ChainKey, client chain.Client, query chain.LogQuery, isEvm bool) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		logs, errs, err := client.SubscribeLogs(ctx, query)
		if err != nil {
			if !m.sleepBackoff(ctx, &backoff, chainKey) {
				return
			}
			continue
		}
		backoff = minBackoff

		drained := m.drainLogs(ctx, logs, errs, chainKey, isEvm)
		if !drained {
			return
		}
	}
}

// drainLogs consumes logs/errs until the subscription ends, returning false
// if ctx was cancelled (caller should stop) or true if it should resubscribe.
func (m *Manager) drainLogs(ctx context.Context, logs <-chan chain.Log, errs <-chan error, chainKey envelope.ChainKey, isEvm bool) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case l, ok := <-logs:
			if !ok {
				return true
			}
			m.routeLog(chainKey, l, isEvm)
		case err, ok := <-errs:
			if !ok {
				return true
			}
			if m.log != nil {
				m.log.Warn(ctx, "trigger log subscription error", map[string]interface{}{"chain": chainKey.String(), "error": err.Error()})
			}
			return true
		}
	}
}

func (m *Manager) routeLog(chainKey envelope.ChainKey, l chain.Log, isEvm bool) {
	var topic string
	if isEvm {
		if len(l.Topics) == 0 {
			return
		}
		topic = fmt.Sprintf("%x", l.Topics[0])
	} else {
		topic = string(l.Data)
	}
	key := logKey{Chain: chainKey, Address: l.Address, Topic: topic}

	m.mu.Lock()
	ids := m.lookup.lookupsFor(key)
	actions := make([]envelope.TriggerAction, 0, len(ids))
	for _, id := range ids {
		var data envelope.TriggerData
		if isEvm {
			data = envelope.TriggerData{Kind: envelope.TriggerDataEvmLog, Evm: &envelope.EvmLogData{
				Address:     l.Address,
				Topics:      l.Topics,
				Data:        l.Data,
				TxHash:      parseTxHash(l.TxHash),
				BlockNumber: l.BlockHeight,
				LogIndex:    l.Index,
			}}
		} else {
			data = envelope.TriggerData{Kind: envelope.TriggerDataCosmos, Cosmos: &envelope.CosmosEventData{
				Attributes:  map[string]string{"event_type": topic},
				TxHash:      l.TxHash,
				BlockHeight: l.BlockHeight,
			}}
		}
		if action, ok := m.buildAction(id, data); ok {
			actions = append(actions, action)
		}
	}
	m.mu.Unlock()

	for _, action := range actions {
		m.emit(action)
	}
}

// ensureBlockWatcher starts one block-height observer goroutine per chain;
// it feeds every blockIntervalScheduler registered against that chain.
func (m *Manager) ensureBlockWatcher(ctx context.Context, chainKey envelope.ChainKey) error {
	client, err := m.clientFor(chainKey)
	if err != nil {
		return err
	}
	key := chainKey.String()

	m.mu.Lock()
	if _, running := m.blockWatchers[key]; running {
		m.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.blockWatchers[key] = cancel
	m.mu.Unlock()

	go m.blockWatchLoop(watchCtx, chainKey, client)
	return nil
}

func (m *Manager) blockWatchLoop(ctx context.Context, chainKey envelope.ChainKey, client chain.Client) {
	ticker := time.NewTicker(blockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height, err := client.BlockNumber(ctx)
			if err != nil {
				if m.log != nil {
					m.log.Warn(ctx, "block height poll failed", map[string]interface{}{"chain": chainKey.String(), "error": err.Error()})
				}
				continue
			}
			m.observeHeight(chainKey, height)
		}
	}
}

func (m *Manager) observeHeight(chainKey envelope.ChainKey, height uint64) {
	m.mu.Lock()
	var fires []lookupID
	var terminal []lookupID
	for id, sched := range m.blockSchedulers {
		trig, ok := m.lookup.triggerOf(id)
		if !ok || trig.Kind != envelope.TriggerBlockInterval || trig.Block.Chain != chainKey {
			continue
		}
		fired, done := sched.observe(height)
		if done {
			terminal = append(terminal, id)
			continue
		}
		if fired {
			fires = append(fires, id)
		}
	}
	actions := make([]envelope.TriggerAction, 0, len(fires))
	for _, id := range fires {
		if action, ok := m.buildAction(id, envelope.TriggerData{
			Kind:  envelope.TriggerDataBlock,
			Block: &envelope.BlockData{Height: height, Time: time.Now().Unix()},
		}); ok {
			actions = append(actions, action)
		}
	}
	for _, id := range terminal {
		delete(m.blockSchedulers, id)
		m.lookup.remove(id)
	}
	m.mu.Unlock()

	for _, action := range actions {
		m.emit(action)
	}
}

// sleepBackoff waits the current backoff duration (doubling it, capped at
// maxBackoff), probing the chain's websocket endpoint first when one is
// configured. Returns false if ctx was cancelled during the wait.
func (m *Manager) sleepBackoff(ctx context.Context, backoff *time.Duration, chainKey envelope.ChainKey) bool {
	if url, ok := m.wsURLs[chainKey.String()]; ok {
		if err := probeWebsocket(ctx, url); err != nil && m.log != nil {
			m.log.Debug(ctx, "websocket probe failed, will retry", map[string]interface{}{"chain": chainKey.String(), "error": err.Error()})
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	next := *backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	*backoff = next
	return true
}

// parseTxHash decodes a 0x-prefixed or bare hex transaction hash into its
// fixed-width form, returning the zero hash on malformed input rather than
// erroring — a malformed tx hash never invalidates an otherwise-valid
// trigger fire.
func parseTxHash(s string) [32]byte {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}

// probeWebsocket performs a bare connect/close against a raw websocket
// endpoint to cheaply confirm liveness before a full RPC resubscribe.
func probeWebsocket(ctx context.Context, url string) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(probeCtx, url, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}
