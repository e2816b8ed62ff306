// Package submission implements the submission manager (C7): per-service HD
// signer derivation, envelope construction/signing, and posting the signed
// Packet to a workflow's configured aggregator.
package submission

import (
	"crypto/ecdsa"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
)

// BIP-44-style derivation path for Ethereum-compatible secp256k1 keys:
// m/44'/60'/0'/0/{index}. Each service gets one reserved index.
const (
	purposeIndex  = hdkeychain.HardenedKeyStart + 44
	coinTypeIndex = hdkeychain.HardenedKeyStart + 60
	accountIndex  = hdkeychain.HardenedKeyStart + 0
	changeIndex   = uint32(0)
)

const nextIndexKey = "next_hd_index"

// KeyStore lazily derives and caches one secp256k1 signing key per service,
// from a single master seed. The (service -> hd_index) assignment is
// persisted so restarts reuse the same address rather than deriving a new
// one (§4.7: "a deterministic signing key exists, lazily derived on first
// use at an atomically-assigned HD index").
type KeyStore struct {
	master *hdkeychain.ExtendedKey
	idx    *kvstore.Bucket

	mu    sync.Mutex
	cache map[envelope.ServiceId]*ecdsa.PrivateKey
}

// NewKeyStore builds a KeyStore from a BIP-39 mnemonic and optional
// passphrase, persisting index assignments in idx. An invalid or empty
// mnemonic is a fatal startup condition (CodeSignerSeedMissing): without a
// seed, no service can ever be signed for.
func NewKeyStore(mnemonic, passphrase string, idx *kvstore.Bucket) (*KeyStore, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New(errors.CodeSignerSeedMissing, "signer seed mnemonic missing or invalid", 0)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(errors.CodeSignerSeedMissing, "derive master extended key", 0, err)
	}
	return &KeyStore{
		master: master,
		idx:    idx,
		cache:  make(map[envelope.ServiceId]*ecdsa.PrivateKey),
	}, nil
}

// PrivateKeyFor returns the signing key for serviceID, deriving and
// persisting a fresh HD index on first use.
func (k *KeyStore) PrivateKeyFor(serviceID envelope.ServiceId) (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if priv, ok := k.cache[serviceID]; ok {
		return priv, nil
	}

	index, err := k.indexFor(serviceID)
	if err != nil {
		return nil, err
	}
	priv, err := deriveKey(k.master, accountIndex, index)
	if err != nil {
		return nil, errors.Wrap(errors.CodeSignFailed, "derive service signing key", 0, err)
	}
	k.cache[serviceID] = priv
	return priv, nil
}

// HDIndexFor exposes serviceID's assigned HD index, assigning one on first
// use if none exists yet. Used by the admin API's POST /service-key route.
func (k *KeyStore) HDIndexFor(serviceID envelope.ServiceId) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.indexFor(serviceID)
}

// relayerAccountIndex is a second hardened account reserved for this node's
// own chain-relayer identity (gas payment, submitting its own transactions),
// kept entirely separate from accountIndex's auto-assigned per-service pool
// so the two signer concepts can never collide on the same derived key.
const relayerAccountIndex = hdkeychain.HardenedKeyStart + 1

// RelayerKey derives this node's own transaction-signing identity: the key
// internal/config.DialClients wires into each chain.Client as its relayer
// ChainSigner, distinct from any per-service operator key above.
func (k *KeyStore) RelayerKey() (*ecdsa.PrivateKey, error) {
	priv, err := deriveKey(k.master, relayerAccountIndex, 0)
	if err != nil {
		return nil, errors.Wrap(errors.CodeSignFailed, "derive relayer signing key", 0, err)
	}
	return priv, nil
}

// indexFor returns serviceID's previously-assigned HD index, atomically
// assigning and persisting a fresh one on first use. Concurrent first-use
// races are resolved by a compare-and-swap: the loser re-reads the winner's
// assignment rather than deriving a second, unpersisted key.
func (k *KeyStore) indexFor(serviceID envelope.ServiceId) (uint32, error) {
	key := serviceID.String()
	if v, err := k.idx.Get(key); err == nil {
		return decodeIndex(v), nil
	} else if !errors.Is(err, errors.CodeNotFound) {
		return 0, err
	}

	next, err := k.idx.Increment(nextIndexKey, 1)
	if err != nil {
		return 0, err
	}
	index := uint32(next - 1)
	encoded := encodeIndex(index)

	if err := k.idx.CompareAndSwap(key, nil, encoded); err != nil {
		if errors.Is(err, errors.CodeCasConflict) {
			v, getErr := k.idx.Get(key)
			if getErr != nil {
				return 0, getErr
			}
			return decodeIndex(v), nil
		}
		return 0, err
	}
	return index, nil
}

func deriveKey(master *hdkeychain.ExtendedKey, account, index uint32) (*ecdsa.PrivateKey, error) {
	key := master
	for _, p := range []uint32{purposeIndex, coinTypeIndex, account, changeIndex, index} {
		child, err := key.Derive(p)
		if err != nil {
			return nil, err
		}
		key = child
	}
	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return ecPriv.ToECDSA(), nil
}

func encodeIndex(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeIndex(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
