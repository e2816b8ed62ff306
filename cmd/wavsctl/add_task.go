package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"

	ethaccounts "github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

type addTaskResult struct {
	TxHash string
}

func (r addTaskResult) String() string {
	return fmt.Sprintf("Task added! \n\nTransaction hash: \n%s", r.TxHash)
}

var addTriggerSelector = ethcrypto.Keccak256([]byte("addTrigger(bytes)"))[:4]
var addTriggerArgs = ethaccounts.Arguments{{Type: mustABIType("bytes")}}

func mustABIType(name string) ethaccounts.Type {
	t, err := ethaccounts.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("wavsctl: bad abi type %q: %v", name, err))
	}
	return t
}

// addTask fires a manual test trigger at an example EVM trigger contract's
// addTrigger(bytes) entry point — the same call the reference trigger test
// fixtures expose — signed by an ad hoc private key, independent of any
// node's own signing identity.
func (c *cliContext) addTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-task", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rpcURL := fs.String("rpc-url", "", "EVM JSON-RPC endpoint (required)")
	triggerAddr := fs.String("trigger-contract", "", "address of the example trigger contract (required)")
	privateKeyHex := fs.String("private-key", getenv("WAVS_CLI_PRIVATE_KEY", ""), "hex-encoded secp256k1 private key to sign with (env WAVS_CLI_PRIVATE_KEY)")
	input := fs.String("input", "", "trigger input: literal string, 0x-hex, or @file")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *rpcURL == "" || *triggerAddr == "" || *privateKeyHex == "" {
		return usageError(errors.New("--rpc-url, --trigger-contract, and --private-key are required"))
	}

	priv, err := ethcrypto.HexToECDSA(trimHexPrefix(*privateKeyHex))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	payload, err := decodeInput(*input)
	if err != nil {
		return err
	}

	rpc, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		return fmt.Errorf("dial %q: %w", *rpcURL, err)
	}
	defer rpc.Close()

	from := ethcrypto.PubkeyToAddress(priv.PublicKey)
	to := ethcommon.HexToAddress(*triggerAddr)

	packed, err := addTriggerArgs.Pack(payload)
	if err != nil {
		return fmt.Errorf("pack addTrigger() call: %w", err)
	}
	calldata := append(append([]byte{}, addTriggerSelector...), packed...)

	nonce, err := rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := rpc.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	chainID, err := rpc.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain id: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      300_000,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     calldata,
	})
	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	if err := rpc.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}

	c.report(addTaskResult{TxHash: signedTx.Hash().Hex()})
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
