package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// Config configures a Manager.
type Config struct {
	Registry   *registry.Store
	Keys       *KeyStore
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Manager is the submission manager. One instance serves every registered
// service: it signs operator responses into Submissions and posts them to
// each workflow's configured aggregator.
type Manager struct {
	registry *registry.Store
	keys     *KeyStore
	http     *http.Client
	log      *logging.Logger
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Manager{registry: cfg.Registry, keys: cfg.Keys, http: client, log: cfg.Logger}
}

// AddressFor returns the EVM address a service's submissions are signed
// with, publishable to the on-chain service manager's operator set.
func (m *Manager) AddressFor(serviceID envelope.ServiceId) (string, error) {
	priv, err := m.keys.PrivateKeyFor(serviceID)
	if err != nil {
		return "", errors.Wrap(errors.CodeMissingSigner, "no signer available for service", 0, err)
	}
	return ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// HDIndexFor exposes a service's assigned HD signer index, for the admin
// API's POST /service-key route.
func (m *Manager) HDIndexFor(serviceID envelope.ServiceId) (uint32, error) {
	return m.keys.HDIndexFor(serviceID)
}

// Handle processes one ExecuteOperator response (§4.7, steps 1-4): verifies
// the service is still active, builds and signs an Envelope, and posts the
// resulting Submission to the workflow's aggregator.
func (m *Manager) Handle(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction, resp envelope.OperatorResponse) error {
	active, err := m.registry.IsActive(svc.Id)
	if err != nil {
		return err
	}
	if !active {
		if m.log != nil {
			m.log.Warn(ctx, "dropping operator response for inactive service", map[string]interface{}{
				"service_id": svc.Id.String(), "workflow_id": string(wf.Id),
			})
		}
		return nil
	}

	var ordering uint64
	if resp.Ordering != nil {
		ordering = *resp.Ordering
	}
	env, err := envelope.NewEnvelope(svc.Id, action, ordering, resp.Payload)
	if err != nil {
		return errors.Wrap(errors.CodeMissingField, "build envelope", 0, err)
	}

	priv, err := m.keys.PrivateKeyFor(svc.Id)
	if err != nil {
		return errors.Wrap(errors.CodeMissingSigner, "no signer available for service", 0, err)
	}

	sig, err := envelope.Sign(env, wf.SubmitKind, priv)
	if err != nil {
		if isInvalidSubmitKind(err) {
			return errors.Wrap(errors.CodeInvalidSubmitKind, "unsupported submit kind", 0, err)
		}
		return errors.Wrap(errors.CodeSignFailed, "sign envelope", 0, err)
	}

	sub := envelope.Submission{
		TriggerAction:     action,
		OperatorResponse:  resp,
		EventId:           env.EventId,
		Envelope:          env,
		EnvelopeSignature: sig,
	}
	if evm := action.Data.Evm; action.Data.Kind == envelope.TriggerDataEvmLog && evm != nil {
		sub.OriginTxHash = fmt.Sprintf("%x", evm.TxHash)
		sub.OriginBlock = evm.BlockNumber
	} else if cosmos := action.Data.Cosmos; action.Data.Kind == envelope.TriggerDataCosmos && cosmos != nil {
		sub.OriginTxHash = cosmos.TxHash
		sub.OriginBlock = cosmos.BlockHeight
	}

	packet := envelope.Packet{
		Submission: sub,
		Service: envelope.ServiceSnapshot{
			Id:      svc.Id,
			Name:    svc.Name,
			Manager: svc.Manager,
		},
		WorkflowId: wf.Id,
	}

	if wf.AggregatorURL == "" {
		// Networking disabled for this workflow (tests, or a workflow with no
		// aggregator configured yet); the signed packet is simply not posted.
		return nil
	}
	return m.post(ctx, wf.AggregatorURL, packet)
}

func (m *Manager) post(ctx context.Context, url string, packet envelope.Packet) error {
	body, err := json.Marshal(packet)
	if err != nil {
		return errors.Wrap(errors.CodeAggregatorPost, "encode packet", 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.CodeAggregatorPost, "build aggregator request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.CodeAggregatorPost, "post to aggregator", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New(errors.CodeAggregatorPost, fmt.Sprintf("aggregator responded with status %d", resp.StatusCode), 0)
	}
	return nil
}

func isInvalidSubmitKind(err error) bool {
	return strings.HasPrefix(err.Error(), "invalid_submit_kind")
}
