// Command wavsnode is the AVS node daemon: it wires the content-addressed
// component store, the per-service key-value store, the WASM engine, every
// configured chain client, the trigger manager, submission manager,
// aggregator, and dispatcher into one running process, then serves the
// admin API, the aggregator's peer-submission endpoint, and a Prometheus
// metrics endpoint until signalled to stop.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avs-mesh/wavsnode/internal/aggregator"
	"github.com/avs-mesh/wavsnode/internal/api"
	"github.com/avs-mesh/wavsnode/internal/blobstore"
	"github.com/avs-mesh/wavsnode/internal/config"
	"github.com/avs-mesh/wavsnode/internal/dispatcher"
	"github.com/avs-mesh/wavsnode/internal/engine"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
	"github.com/avs-mesh/wavsnode/internal/submission"
	"github.com/avs-mesh/wavsnode/internal/trigger"
	"github.com/avs-mesh/wavsnode/internal/txkey"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("wavsnode: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New("wavsnode", cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	blobs, err := blobstore.Open(cfg.BlobStorePath())
	if err != nil {
		return err
	}
	defer blobs.Close()

	kv, err := kvstore.Open(cfg.KVStorePath())
	if err != nil {
		return err
	}
	defer kv.Close()

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}
	defer reg.Close()

	hdIndex, err := kv.Namespace("submission").Open("hd_index")
	if err != nil {
		return err
	}
	keys, err := submission.NewKeyStore(cfg.SignerMnemonic, cfg.SignerPassphrase, hdIndex)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chains, err := config.LoadChains(cfg.ChainsFile)
	if err != nil {
		return err
	}
	relayerSigner, err := keys.RelayerKey()
	if err != nil {
		return err
	}
	relayerAddr := ethcrypto.PubkeyToAddress(relayerSigner.PublicKey)
	signers := make(map[string]config.ChainSigner, len(chains.Chains))
	for _, entry := range chains.Chains {
		key, err := entry.ChainKey()
		if err != nil {
			return err
		}
		if entry.Kind != config.ChainKindEVM {
			// No relayer signing identity is wired for non-EVM chains in
			// this build: no bech32/cosmos address derivation exists yet
			// to pair with the shared secp256k1 relayer key, so those
			// clients dial read-only (DialClients' documented fallback).
			continue
		}
		signers[key.String()] = config.ChainSigner{
			EVMAddress: relayerAddr,
			SignFn: func(digest [32]byte) ([]byte, error) {
				return ethcrypto.Sign(digest[:], relayerSigner)
			},
		}
	}
	clients, err := config.DialClients(ctx, chains, signers)
	if err != nil {
		return err
	}

	registerer := prometheus.NewRegistry()

	eng, err := engine.New(ctx, engine.Config{
		Blobs:          blobs,
		KV:             kv,
		Chains:         clients,
		Logger:         logger,
		ModuleCacheCap: cfg.EngineModuleCacheCap,
		Registerer:     registerer,
	})
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	trig := trigger.New(trigger.Config{
		Clients: clients,
		WSURLs:  chains.WSURLs(),
		Logger:  logger,
	})
	go trig.Run(ctx)

	sub := submission.New(submission.Config{
		Registry: reg,
		Keys:     keys,
		Logger:   logger,
	})

	aggMarker, err := kv.Namespace("aggregator").Open("submitted")
	if err != nil {
		return err
	}
	agg := aggregator.New(aggregator.Config{
		Registry:          reg,
		Engine:            eng,
		Clients:           clients,
		TxKeys:            txkey.NewRegistry(),
		Marker:            aggMarker,
		Logger:            logger,
		Registerer:        registerer,
		ConfirmationDepth: chains.ConfirmationDepths(),
		RetryBudget:       cfg.AggregatorRetryBudget,
	})

	disp := dispatcher.New(dispatcher.Config{
		Registry:   reg,
		Trigger:    trig,
		Engine:     eng,
		Submission: sub,
		Logger:     logger,
		Workers:    cfg.DispatcherWorkers,
	})
	disp.Start(ctx)
	defer disp.Stop(context.Background())

	existing, err := reg.List(nil, nil)
	if err != nil {
		return err
	}
	for _, svc := range existing {
		if !svc.Active {
			continue
		}
		if err := disp.RegisterService(ctx, svc); err != nil {
			logger.Warn(ctx, "failed to re-register service triggers on startup", map[string]interface{}{
				"service_id": svc.Id.String(), "error": err.Error(),
			})
		}
	}

	adminServer := api.New(api.Config{
		Registry:       reg,
		Components:     eng,
		Signer:         sub,
		Dispatcher:     disp,
		Clients:        clients,
		Logger:         logger,
		MaxUploadBytes: cfg.UploadMaxBytes,
		NodeConfig: func() interface{} {
			return map[string]interface{}{
				"env":    cfg.Redacted(),
				"engine": eng.Stats(),
			}
		},
	})

	admin := &http.Server{Addr: cfg.AdminListenAddr, Handler: adminServer.Router()}
	aggSrv := &http.Server{Addr: cfg.AggregatorListenAddr, Handler: aggregator.NewServer(agg).Router()}
	metrics := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})}

	errCh := make(chan error, 3)
	go func() { errCh <- admin.ListenAndServe() }()
	go func() { errCh <- aggSrv.ListenAndServe() }()
	go func() { errCh <- metrics.ListenAndServe() }()

	logger.Info(ctx, "wavsnode started", map[string]interface{}{
		"admin_addr": cfg.AdminListenAddr, "aggregator_addr": cfg.AggregatorListenAddr, "metrics_addr": cfg.MetricsListenAddr,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.Error(ctx, "server error, shutting down", err, nil)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	admin.Shutdown(shutdownCtx)
	aggSrv.Shutdown(shutdownCtx)
	metrics.Shutdown(shutdownCtx)
	return nil
}
