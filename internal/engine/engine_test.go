package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// minimalWasm is the smallest valid wasm module: the magic number and
// version, no sections. Enough to exercise compilation/caching without a
// real component.
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestAllowedHTTPHost_DenyByDefault(t *testing.T) {
	exec := &execContext{permissions: registry.Permissions{}}
	require.False(t, exec.allowedHTTPHost("example.com"))
}

func TestAllowedHTTPHost_AllowsListed(t *testing.T) {
	exec := &execContext{permissions: registry.Permissions{AllowedHTTPHosts: []string{"api.example.com"}}}
	require.True(t, exec.allowedHTTPHost("api.example.com"))
	require.False(t, exec.allowedHTTPHost("other.example.com"))
}

func TestHostCallAccounting_ExhaustsFuel(t *testing.T) {
	exec := &execContext{fuelRemaining: 2}
	require.NoError(t, exec.hostCallAccounting())
	require.NoError(t, exec.hostCallAccounting())
	err := exec.hostCallAccounting()
	require.Error(t, err)
}

func TestBuildModuleConfig_DeniesFileSystemWithoutWorkDir(t *testing.T) {
	_, err := buildModuleConfig(registry.Permissions{FileSystem: true}, "")
	require.Error(t, err)
}

func TestBuildModuleConfig_AllowsFileSystemWithWorkDir(t *testing.T) {
	_, err := buildModuleConfig(registry.Permissions{FileSystem: true}, t.TempDir())
	require.NoError(t, err)
}

func TestNewHTTPClient_NilWithoutAllowedHosts(t *testing.T) {
	require.Nil(t, newHTTPClient(registry.Permissions{}))
	require.NotNil(t, newHTTPClient(registry.Permissions{AllowedHTTPHosts: []string{"example.com"}}))
}

func TestModuleCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	cache := newModuleCache(2)

	var digests []envelope.ComponentDigest
	for i := 0; i < 3; i++ {
		compiled, err := rt.CompileModule(ctx, minimalWasm)
		require.NoError(t, err)
		var d envelope.ComponentDigest
		d[0] = byte(i + 1)
		digests = append(digests, d)
		cache.put(ctx, d, compiled)
	}

	// First inserted (digests[0]) should have been evicted; the two most
	// recent remain.
	_, ok := cache.get(digests[0])
	require.False(t, ok)
	_, ok = cache.get(digests[1])
	require.True(t, ok)
	_, ok = cache.get(digests[2])
	require.True(t, ok)
}

func TestModuleCache_GetPromotesToFront(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	cache := newModuleCache(2)

	compileAndPut := func(tag byte) envelope.ComponentDigest {
		compiled, err := rt.CompileModule(ctx, minimalWasm)
		require.NoError(t, err)
		var d envelope.ComponentDigest
		d[0] = tag
		cache.put(ctx, d, compiled)
		return d
	}

	d1 := compileAndPut(1)
	d2 := compileAndPut(2)

	// Touch d1 so it is no longer the least-recently-used entry.
	_, ok := cache.get(d1)
	require.True(t, ok)

	d3 := compileAndPut(3)
	_ = d3

	// d2 is now the least-recently-used and should be evicted, not d1.
	_, ok = cache.get(d2)
	require.False(t, ok)
	_, ok = cache.get(d1)
	require.True(t, ok)
}
