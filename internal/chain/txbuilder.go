package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/tidwall/gjson"
)

// ValidUntilBlockIncrement is how many blocks a built transaction stays valid.
const ValidUntilBlockIncrement = 100

// ScriptHashString renders an account script hash in 0x-prefixed display order.
func ScriptHashString(u util.Uint160) string {
	return "0x" + u.StringLE()
}

// ParseScriptHash accepts either an N… address or a 0x-prefixed script hash.
func ParseScriptHash(s string) (util.Uint160, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return util.Uint160DecodeStringLE(s[2:])
	}
	if len(s) == 2*util.Uint160Size {
		return util.Uint160DecodeStringLE(s)
	}
	return address.StringToUint160(s)
}

// AddressFromScriptHash converts a 0x script hash into an N… address.
func AddressFromScriptHash(hash string) (string, error) {
	u, err := ParseScriptHash(hash)
	if err != nil {
		return "", err
	}
	return address.Uint160ToString(u), nil
}

// TxBuilder turns a HALTed test invocation into a signed transaction.
type TxBuilder struct {
	client  *Client
	network uint32
}

// NewTxBuilder creates a transaction builder for the given network magic.
func NewTxBuilder(client *Client, network uint32) *TxBuilder {
	return &TxBuilder{client: client, network: network}
}

// BuildAndSignTx builds a transaction from the invocation script, prices it
// and signs it with the account.
func (b *TxBuilder) BuildAndSignTx(ctx context.Context, invokeResult *InvokeResult, account *wallet.Account, scope transaction.WitnessScope) (*transaction.Transaction, error) {
	if invokeResult == nil {
		return nil, fmt.Errorf("invoke result required")
	}
	if invokeResult.State != "HALT" {
		return nil, fmt.Errorf("%w: state %s: %s", ErrFault, invokeResult.State, invokeResult.Exception)
	}

	script, err := base64.StdEncoding.DecodeString(invokeResult.Script)
	if err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	sysFee, err := strconv.ParseInt(invokeResult.GasConsumed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse gas consumed %q: %w", invokeResult.GasConsumed, err)
	}

	height, err := b.client.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}

	tx := transaction.New(script, sysFee)
	tx.Nonce = rand.Uint32()
	tx.ValidUntilBlock = height + ValidUntilBlockIncrement
	tx.Signers = []transaction.Signer{{
		Account: account.ScriptHash(),
		Scopes:  scope,
	}}
	tx.Scripts = []transaction.Witness{{
		VerificationScript: account.GetVerificationScript(),
	}}

	netFee, err := b.CalculateNetworkFee(ctx, tx)
	if err != nil {
		return nil, err
	}
	tx.NetworkFee = netFee

	if err := account.SignTx(netmode.Magic(b.network), tx); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// CalculateNetworkFee asks the node to price the witnesses of tx.
func (b *TxBuilder) CalculateNetworkFee(ctx context.Context, tx *transaction.Transaction) (int64, error) {
	result, err := b.client.Call(ctx, "calculatenetworkfee", []interface{}{
		base64.StdEncoding.EncodeToString(tx.Bytes()),
	})
	if err != nil {
		return 0, fmt.Errorf("calculate network fee: %w", err)
	}
	fee := gjson.GetBytes(result, "networkfee")
	if !fee.Exists() {
		return 0, fmt.Errorf("calculate network fee: networkfee missing")
	}
	n, err := strconv.ParseInt(fee.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse network fee %q: %w", fee.String(), err)
	}
	return n, nil
}

// BroadcastTx sends a signed transaction and returns its hash.
func (b *TxBuilder) BroadcastTx(ctx context.Context, tx *transaction.Transaction) (util.Uint256, error) {
	hash, err := b.client.SendRawTransaction(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		return util.Uint256{}, fmt.Errorf("broadcast transaction: %w", err)
	}
	if hash != "" {
		if h, err := util.Uint256DecodeStringLE(strings.TrimPrefix(hash, "0x")); err == nil {
			return h, nil
		}
	}
	return tx.Hash(), nil
}
