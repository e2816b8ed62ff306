package envelope

import "encoding/json"

// TriggerKind tags the Trigger union.
type TriggerKind string

const (
	TriggerManual            TriggerKind = "manual"
	TriggerEvmContractEvent  TriggerKind = "evm_contract_event"
	TriggerCosmosContractEvt TriggerKind = "cosmos_contract_event"
	TriggerBlockInterval     TriggerKind = "block_interval"
	TriggerCron              TriggerKind = "cron"
)

// Trigger is the tagged union of §3's five trigger variants. Exactly one of
// the Evm/Cosmos/Block/Cron fields is populated, selected by Kind.
type Trigger struct {
	Kind   TriggerKind         `json:"kind"`
	Evm    *EvmContractEvent   `json:"evm,omitempty"`
	Cosmos *CosmosContractEvt  `json:"cosmos,omitempty"`
	Block  *BlockIntervalSpec  `json:"block,omitempty"`
	Cron   *CronSpec           `json:"cron,omitempty"`
}

// EvmContractEvent watches a log topic0 on a given chain/address.
type EvmContractEvent struct {
	Chain     ChainKey `json:"chain"`
	Address   string   `json:"address"`    // checksummed EVM address
	EventHash [32]byte `json:"event_hash"` // keccak256(event signature), i.e. topic0
}

// CosmosContractEvt filters block-stream events by contract address and type.
type CosmosContractEvt struct {
	Chain     ChainKey `json:"chain"`
	Address   string   `json:"address"`
	EventType string   `json:"event_type"`
}

// BlockIntervalSpec configures the block-height scheduler of §4.6.
type BlockIntervalSpec struct {
	Chain      ChainKey `json:"chain"`
	NBlocks    uint64   `json:"n_blocks"`
	StartBlock *uint64  `json:"start_block,omitempty"`
	EndBlock   *uint64  `json:"end_block,omitempty"`
}

// CronSpec configures the wall-clock scheduler of §4.6.
type CronSpec struct {
	Schedule  string     `json:"schedule"` // 6-field, second-precision
	StartTime *int64     `json:"start_time,omitempty"`
	EndTime   *int64     `json:"end_time,omitempty"`
}

// TriggerConfig identifies which (service, workflow) owns a TriggerAction and
// what trigger produced it.
type TriggerConfig struct {
	ServiceId  ServiceId  `json:"service_id"`
	WorkflowId WorkflowId `json:"workflow_id"`
	Trigger    Trigger    `json:"trigger"`
}

// TriggerDataKind tags the TriggerData union.
type TriggerDataKind string

const (
	TriggerDataEvmLog    TriggerDataKind = "evm_log"
	TriggerDataCosmos    TriggerDataKind = "cosmos_event"
	TriggerDataBlock     TriggerDataKind = "block"
	TriggerDataCronTime  TriggerDataKind = "cron_time"
	TriggerDataRaw       TriggerDataKind = "raw"
)

// TriggerData carries the raw payload for a TriggerAction, variant selected
// by Kind.
type TriggerData struct {
	Kind  TriggerDataKind `json:"kind"`
	Evm   *EvmLogData     `json:"evm,omitempty"`
	Cosmos *CosmosEventData `json:"cosmos,omitempty"`
	Block *BlockData      `json:"block,omitempty"`
	Cron  *CronTimeData   `json:"cron,omitempty"`
	Raw   []byte          `json:"raw,omitempty"`
}

// EvmLogData is the log+topics+tx-hash+block bundle for an EVM trigger fire.
type EvmLogData struct {
	Address     string   `json:"address"`
	Topics      [][]byte `json:"topics"`
	Data        []byte   `json:"data"`
	TxHash      [32]byte `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	LogIndex    uint32   `json:"log_index"`
}

// CosmosEventData is the attribute bag for a Cosmos trigger fire.
type CosmosEventData struct {
	Attributes  map[string]string `json:"attributes"`
	TxHash      string            `json:"tx_hash"`
	BlockHeight uint64            `json:"block_height"`
}

// BlockData is the height/time pair for a block-interval fire.
type BlockData struct {
	Height uint64 `json:"height"`
	Time   int64  `json:"time"`
}

// CronTimeData is the wall-clock instant a cron schedule fired at.
type CronTimeData struct {
	FiredAt int64 `json:"fired_at"`
}

// TriggerAction is produced by the trigger manager and consumed by the
// component engine.
type TriggerAction struct {
	Config TriggerConfig `json:"config"`
	Data   TriggerData   `json:"data"`
}

// Canonical returns a deterministic JSON encoding of the trigger action,
// suitable as input to EventId derivation. Go's encoding/json emits map keys
// (CosmosEventData.Attributes) in sorted order and struct fields in
// declaration order, which is stable across nodes running the same binary.
func (a TriggerAction) Canonical() ([]byte, error) {
	return json.Marshal(a)
}
