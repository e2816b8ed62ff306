package engine

import (
	"context"
	"io"
	"net/http"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// instantiateHostModule links the "wavs" host module exposing logging,
// key-value access, and gated HTTP against exec — the host functions
// available to every workflow component regardless of its declared
// capabilities (individual calls still check exec's permissions/fuel).
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, exec *execContext) (api.Closer, error) {
	builder := rt.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			if err := exec.hostCallAccounting(); err != nil {
				panic(err)
			}
			msg := readString(mod, ptr, length)
			exec.logAtLevel(ctx, level, msg)
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) uint32 {
			if err := exec.hostCallAccounting(); err != nil {
				panic(err)
			}
			key := readString(mod, keyPtr, keyLen)
			val, err := exec.kvBucket.Get(key)
			if err != nil {
				return 0
			}
			return writeBytesCapped(mod, outPtr, outCap, val)
		}).
		Export("kv_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			if err := exec.hostCallAccounting(); err != nil {
				panic(err)
			}
			key := readString(mod, keyPtr, keyLen)
			val := readBytes(mod, valPtr, valLen)
			if err := exec.kvBucket.Set(key, val); err != nil {
				return 1
			}
			return 0
		}).
		Export("kv_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, hostPtr, hostLen, urlPtr, urlLen, outPtr, outCap uint32) uint32 {
			if err := exec.hostCallAccounting(); err != nil {
				panic(err)
			}
			host := readString(mod, hostPtr, hostLen)
			if !exec.allowedHTTPHost(host) || exec.httpClient == nil {
				return 0
			}
			url := readString(mod, urlPtr, urlLen)
			body, err := httpGet(ctx, exec.httpClient, url)
			if err != nil {
				return 0
			}
			return writeBytesCapped(mod, outPtr, outCap, body)
		}).
		Export("http_get")

	return builder.Instantiate(ctx)
}

func httpGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func readString(mod api.Module, ptr, length uint32) string {
	return string(readBytes(mod, ptr, length))
}

func readBytes(mod api.Module, ptr, length uint32) []byte {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// writeBytesCapped writes up to outCap bytes of data into guest memory at
// outPtr and returns the number of bytes actually written (0 if it does not
// fit, signalling the guest to retry with a larger buffer).
func writeBytesCapped(mod api.Module, outPtr, outCap uint32, data []byte) uint32 {
	if uint32(len(data)) > outCap {
		return 0
	}
	if !mod.Memory().Write(outPtr, data) {
		return 0
	}
	return uint32(len(data))
}

// logAtLevel routes a guest log call to the node's structured logger.
// Levels: 0=trace 1=debug 2=info 3=warn 4=error, mirroring §4.5's
// "logging (5 levels)" host import. trace collapses into Debug since
// Logger has no dedicated trace method.
func (e *execContext) logAtLevel(ctx context.Context, level uint32, msg string) {
	if e.log == nil {
		return
	}
	fields := map[string]interface{}{"source": "component"}
	switch level {
	case 0, 1:
		e.log.Debug(ctx, msg, fields)
	case 2:
		e.log.Info(ctx, msg, fields)
	case 3:
		e.log.Warn(ctx, msg, fields)
	default:
		e.log.Error(ctx, msg, nil, fields)
	}
}
