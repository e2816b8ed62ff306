package engine

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// execContext carries the per-execution sandbox state a host function
// closure needs: the service/workflow's allowed capabilities, a fuel
// counter, and handles scoped to this one execution.
type execContext struct {
	permissions registry.Permissions
	kvBucket    kvGetSetter
	httpClient  *http.Client
	log         *logging.Logger

	fuelRemaining int64 // decremented by hostCallAccounting on every host call
}

// kvGetSetter is the minimal surface execContext needs from a kvstore.Bucket,
// named here to avoid an import cycle on the concrete type in tests.
type kvGetSetter interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// hostCallAccounting charges one unit of fuel per host-function invocation.
// This is the engine's fuel approximation (see engine.go's package doc):
// wazero has no instruction-level fuel counter, so host-call frequency
// stands in for it. Components that spin purely in guest code without ever
// calling a host import are instead bounded by the context deadline via
// wazero's WithCloseOnContextDone.
func (e *execContext) hostCallAccounting() error {
	if e.fuelRemaining <= 0 {
		return errors.New(errors.CodeFuelExhausted, "component exceeded its fuel limit", 0)
	}
	e.fuelRemaining--
	return nil
}

// allowedHTTPHost reports whether host is present in the workflow's
// allowed_http_hosts permission list; a "*" entry allows every host. An
// empty list denies all outbound HTTP, matching §4.5's deny-by-default
// capability policy.
func (e *execContext) allowedHTTPHost(host string) bool {
	for _, h := range e.permissions.AllowedHTTPHosts {
		if h == host || h == "*" {
			return true
		}
	}
	return false
}

// buildModuleConfig constructs the wazero ModuleConfig for one execution:
// preopens a per-service directory only if file_system is granted, and
// filters process environment variables to those that both carry the
// WAVS_ENV_ prefix and are listed in the workflow's env_keys.
func buildModuleConfig(perms registry.Permissions, workDir string) (wazero.ModuleConfig, error) {
	cfg := wazero.NewModuleConfig().WithStdout(io.Discard).WithStderr(io.Discard)

	if perms.FileSystem {
		if workDir == "" {
			return nil, errors.New(errors.CodeCapabilityDenied, "file_system permission requires a working directory", 0)
		}
		fsConfig := wazero.NewFSConfig().WithDirMount(workDir, "/")
		cfg = cfg.WithFSConfig(fsConfig)
	}

	allowed := make(map[string]bool, len(perms.EnvKeys))
	for _, k := range perms.EnvKeys {
		allowed[k] = true
	}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, "WAVS_ENV_") {
			continue
		}
		if !allowed[key] {
			continue
		}
		cfg = cfg.WithEnv(key, value)
	}
	return cfg, nil
}

// newHTTPClient returns an HTTP client for this execution's outbound
// requests, or nil if the workflow has no allowed hosts at all (HTTP host
// functions then always deny).
func newHTTPClient(perms registry.Permissions) *http.Client {
	if len(perms.AllowedHTTPHosts) == 0 {
		return nil
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// withDeadline wraps ctx with timeLimitSeconds (falling back to a
// conservative default), satisfying §4.5's "external timeout kills runaway
// instances" requirement via wazero's WithCloseOnContextDone.
func withDeadline(ctx context.Context, timeLimitSeconds uint32) (context.Context, context.CancelFunc) {
	limit := time.Duration(timeLimitSeconds) * time.Second
	if limit <= 0 {
		limit = 30 * time.Second
	}
	return context.WithTimeout(ctx, limit)
}

// hostModuleName is the import module name workflow components link
// host functions against.
const hostModuleName = "wavs"
