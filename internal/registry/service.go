// Package registry implements the service registry (C4): persisted service
// definitions, workflow-level validation, and the save/get/exists/remove/
// list/is_active/get_workflow operation set.
package registry

import (
	"encoding/json"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

// ComponentSourceKind selects how a workflow's component bytes are located.
type ComponentSourceKind string

const (
	SourceDigest   ComponentSourceKind = "digest"
	SourceDownload ComponentSourceKind = "download"
	SourceRegistry ComponentSourceKind = "registry"
)

// ComponentSource locates one workflow's WASM component.
type ComponentSource struct {
	Kind     ComponentSourceKind       `yaml:"kind" json:"kind"`
	Digest   *envelope.ComponentDigest `yaml:"digest,omitempty" json:"digest,omitempty"`
	URL      string                    `yaml:"url,omitempty" json:"url,omitempty"`
	Registry string                    `yaml:"registry,omitempty" json:"registry,omitempty"`
}

// Permissions is a workflow component's declared capability manifest (C5).
// No capability is enabled unless explicitly listed here (spec §4.5).
type Permissions struct {
	FileSystem       bool     `yaml:"file_system" json:"file_system"`
	AllowedHTTPHosts []string `yaml:"allowed_http_hosts,omitempty" json:"allowed_http_hosts,omitempty"`
	EnvKeys          []string `yaml:"env_keys,omitempty" json:"env_keys,omitempty"`
}

// Workflow is one (trigger -> component -> submission) pipeline of a service.
type Workflow struct {
	Id              envelope.WorkflowId   `yaml:"id" json:"id"`
	Trigger         envelope.Trigger      `yaml:"trigger" json:"trigger"`
	Component       ComponentSource       `yaml:"component" json:"component"`
	Permissions     Permissions           `yaml:"permissions" json:"permissions"`
	AggregatorURL   string                `yaml:"aggregator_url,omitempty" json:"aggregator_url,omitempty"`
	SubmitKind      envelope.SignatureKind `yaml:"submit_kind" json:"submit_kind"`
	FuelLimit       uint64                `yaml:"fuel_limit,omitempty" json:"fuel_limit,omitempty"`
	TimeLimitSecond uint32                `yaml:"time_limit_seconds,omitempty" json:"time_limit_seconds,omitempty"`
}

// Service is the full persisted service definition.
type Service struct {
	Id       envelope.ServiceId                     `yaml:"-" json:"id"`
	Name     string                                 `yaml:"name" json:"name"`
	Manager  envelope.ServiceManagerRef             `yaml:"manager" json:"manager"`
	Active   bool                                   `yaml:"active" json:"active"`
	Workflows map[envelope.WorkflowId]Workflow      `yaml:"workflows" json:"workflows"`
}

// Canonical returns a deterministic encoding of the service used to derive
// its content-addressed ServiceId (map keys sort deterministically under
// encoding/json, matching envelope.TriggerAction.Canonical's approach).
func (s Service) Canonical() ([]byte, error) {
	cp := s
	cp.Id = envelope.ServiceId{}
	return json.Marshal(cp)
}

// Validate enforces §4.4's save-time rules.
func (s Service) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New(errors.CodeMissingField, "service name must not be empty", 0)
	}
	if len(s.Workflows) == 0 {
		return errors.New(errors.CodeMissingField, "service must define at least one workflow", 0)
	}
	if err := s.Manager.Chain.Validate(); err != nil {
		return err
	}
	if !ethcommon.IsHexAddress(s.Manager.Address) {
		return errors.New(errors.CodeInvalidAddress, "service manager address does not parse/checksum", 0)
	}

	for id, wf := range s.Workflows {
		if wf.Id != id {
			return errors.New(errors.CodeInvalidWorkflowId, "workflow map key must match workflow.Id", 0)
		}
		if err := id.Validate(); err != nil {
			return err
		}
		if err := validateComponent(wf.Component); err != nil {
			return err
		}
		if err := validateTrigger(wf.Trigger); err != nil {
			return err
		}
		if err := validatePermissions(wf.Permissions); err != nil {
			return err
		}
		if wf.AggregatorURL != "" {
			if err := validateURL(wf.AggregatorURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateComponent(c ComponentSource) error {
	switch c.Kind {
	case SourceDigest:
		if c.Digest == nil {
			return errors.New(errors.CodeMissingField, "digest component source requires a digest", 0)
		}
	case SourceDownload:
		if err := validateURL(c.URL); err != nil {
			return err
		}
	case SourceRegistry:
		if strings.TrimSpace(c.Registry) == "" {
			return errors.New(errors.CodeMissingField, "registry component source requires a registry reference", 0)
		}
	default:
		return errors.New(errors.CodeMissingField, "workflow must declare a component", 0)
	}
	return nil
}

func validateTrigger(t envelope.Trigger) error {
	switch t.Kind {
	case envelope.TriggerManual:
		return nil
	case envelope.TriggerEvmContractEvent:
		if t.Evm == nil {
			return errors.New(errors.CodeMissingField, "evm trigger requires evm config", 0)
		}
		if err := t.Evm.Chain.Validate(); err != nil {
			return err
		}
		if !ethcommon.IsHexAddress(t.Evm.Address) {
			return errors.New(errors.CodeInvalidAddress, "evm trigger address does not parse/checksum", 0)
		}
		if t.Evm.EventHash == ([32]byte{}) {
			return errors.New(errors.CodeInvalidEventHash, "evm trigger event hash must be 32 non-zero bytes", 0)
		}
	case envelope.TriggerCosmosContractEvt:
		if t.Cosmos == nil {
			return errors.New(errors.CodeMissingField, "cosmos trigger requires cosmos config", 0)
		}
		if err := t.Cosmos.Chain.Validate(); err != nil {
			return err
		}
		if strings.TrimSpace(t.Cosmos.EventType) == "" {
			return errors.New(errors.CodeMissingField, "cosmos trigger requires an event type", 0)
		}
	case envelope.TriggerBlockInterval:
		if t.Block == nil {
			return errors.New(errors.CodeMissingField, "block-interval trigger requires block config", 0)
		}
		if err := t.Block.Chain.Validate(); err != nil {
			return err
		}
		if t.Block.NBlocks == 0 {
			return errors.New(errors.CodeInvalidBlockInterval, "n_blocks must be > 0", 0)
		}
		if t.Block.StartBlock != nil && t.Block.EndBlock != nil && *t.Block.StartBlock > *t.Block.EndBlock {
			return errors.New(errors.CodeInvalidBlockInterval, "start_block must be <= end_block", 0)
		}
	case envelope.TriggerCron:
		if t.Cron == nil {
			return errors.New(errors.CodeMissingField, "cron trigger requires cron config", 0)
		}
		if _, err := secondPrecisionParser.Parse(t.Cron.Schedule); err != nil {
			return errors.Wrap(errors.CodeInvalidCron, "cron expression does not parse", 0, err)
		}
	default:
		return errors.New(errors.CodeMissingField, "workflow must declare a trigger", 0)
	}
	return nil
}

// secondPrecisionParser accepts the same 6-field, second-precision
// expressions as the trigger scheduler's parser, so a schedule that saves
// is one the trigger manager can register.
var secondPrecisionParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func validatePermissions(p Permissions) error {
	for _, key := range p.EnvKeys {
		if !strings.HasPrefix(key, "WAVS_ENV_") {
			return errors.New(errors.CodeInvalidEnvKey, "env_keys entries must carry the WAVS_ENV_ prefix", 0)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") && !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		return errors.New(errors.CodeInvalidAggregatorURL, "url must be http(s) or ws(s)", 0)
	}
	return nil
}
