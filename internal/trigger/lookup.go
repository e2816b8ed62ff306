package trigger

import (
	"fmt"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

// lookupID is the dense integer handle §4.6 assigns to each registered
// trigger subscription.
type lookupID uint64

// logKey identifies a distinct EVM/Cosmos log subscription target; multiple
// workflows sharing one (chain, address, topic) share a single underlying
// websocket subscription.
type logKey struct {
	Chain   envelope.ChainKey
	Address string
	Topic   string
}

type serviceWorkflow struct {
	ServiceId  envelope.ServiceId
	WorkflowId envelope.WorkflowId
}

// lookupTable maintains §4.6's four indices: lookup_id -> trigger,
// (chain,address,topic) -> lookup_id set, service_id -> workflow_id ->
// lookup_id, lookup_id -> (service_id, workflow_id). Not safe for
// concurrent use; callers (Manager) serialize access with their own mutex.
type lookupTable struct {
	nextID      lookupID
	byID        map[lookupID]envelope.Trigger
	byLogKey    map[logKey]map[lookupID]struct{}
	byService   map[envelope.ServiceId]map[envelope.WorkflowId]lookupID
	idToService map[lookupID]serviceWorkflow
}

func newLookupTable() *lookupTable {
	return &lookupTable{
		byID:        make(map[lookupID]envelope.Trigger),
		byLogKey:    make(map[logKey]map[lookupID]struct{}),
		byService:   make(map[envelope.ServiceId]map[envelope.WorkflowId]lookupID),
		idToService: make(map[lookupID]serviceWorkflow),
	}
}

// add registers one workflow's trigger and returns its freshly assigned id.
func (t *lookupTable) add(svc envelope.ServiceId, wf envelope.WorkflowId, trig envelope.Trigger) lookupID {
	t.nextID++
	id := t.nextID
	t.byID[id] = trig
	t.idToService[id] = serviceWorkflow{ServiceId: svc, WorkflowId: wf}
	if wfs, ok := t.byService[svc]; ok {
		wfs[wf] = id
	} else {
		t.byService[svc] = map[envelope.WorkflowId]lookupID{wf: id}
	}
	if key, ok := logKeyOf(trig); ok {
		if set, ok := t.byLogKey[key]; ok {
			set[id] = struct{}{}
		} else {
			t.byLogKey[key] = map[lookupID]struct{}{id: {}}
		}
	}
	return id
}

// removeService deletes every lookup id registered for svc, walking
// service_id -> workflow_id -> lookup_id transitively, per §4.6.
func (t *lookupTable) removeService(svc envelope.ServiceId) []lookupID {
	wfs, ok := t.byService[svc]
	if !ok {
		return nil
	}
	removed := make([]lookupID, 0, len(wfs))
	for _, id := range wfs {
		removed = append(removed, id)
		t.remove(id)
	}
	delete(t.byService, svc)
	return removed
}

func (t *lookupTable) remove(id lookupID) {
	trig, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if sw, ok := t.idToService[id]; ok {
		delete(t.idToService, id)
		if wfs, ok := t.byService[sw.ServiceId]; ok {
			delete(wfs, sw.WorkflowId)
			if len(wfs) == 0 {
				delete(t.byService, sw.ServiceId)
			}
		}
	}
	if key, ok := logKeyOf(trig); ok {
		if set, ok := t.byLogKey[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(t.byLogKey, key)
			}
		}
	}
}

func (t *lookupTable) lookupsFor(key logKey) []lookupID {
	set, ok := t.byLogKey[key]
	if !ok {
		return nil
	}
	ids := make([]lookupID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (t *lookupTable) hasLogKey(key logKey) bool {
	return len(t.byLogKey[key]) > 0
}

func (t *lookupTable) serviceWorkflowOf(id lookupID) (serviceWorkflow, bool) {
	sw, ok := t.idToService[id]
	return sw, ok
}

func (t *lookupTable) triggerOf(id lookupID) (envelope.Trigger, bool) {
	trig, ok := t.byID[id]
	return trig, ok
}

func logKeyOf(trig envelope.Trigger) (logKey, bool) {
	switch trig.Kind {
	case envelope.TriggerEvmContractEvent:
		return logKey{Chain: trig.Evm.Chain, Address: trig.Evm.Address, Topic: fmt.Sprintf("%x", trig.Evm.EventHash)}, true
	case envelope.TriggerCosmosContractEvt:
		return logKey{Chain: trig.Cosmos.Chain, Address: trig.Cosmos.Address, Topic: trig.Cosmos.EventType}, true
	default:
		return logKey{}, false
	}
}
