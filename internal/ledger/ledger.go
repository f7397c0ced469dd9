// Package ledger binds the marketplace contract surfaces to a Neo N3 node.
// Reads are test invocations; writes are signed by the actor's wallet account,
// broadcast and confirmed through the application log.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/carmarket/internal/chain"
	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
)

// Signers resolves an actor identity to its signing account.
type Signers interface {
	Account(identity string) (*wallet.Account, error)
}

// Config holds the contract addresses and confirmation timing.
type Config struct {
	ListingsHash string
	TokenHash    string
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Client implements marketplace.Binder on top of a chain RPC client.
type Client struct {
	rpc      *chain.Client
	signers  Signers
	listings string
	token    string
	poll     time.Duration
	wait     time.Duration
	log      *logging.Logger

	builderMu sync.Mutex
	builder   *chain.TxBuilder
}

// New validates the contract addresses and creates a client.
func New(rpc *chain.Client, signers Signers, cfg Config, log *logging.Logger) (*Client, error) {
	if rpc == nil {
		return nil, fmt.Errorf("rpc client required")
	}
	listings, err := normalizeHash(cfg.ListingsHash)
	if err != nil {
		return nil, fmt.Errorf("listings contract: %w", err)
	}
	token, err := normalizeHash(cfg.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("token contract: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = chain.DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = chain.DefaultTxWaitTimeout
	}
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	return &Client{
		rpc:      rpc,
		signers:  signers,
		listings: listings,
		token:    token,
		poll:     cfg.PollInterval,
		wait:     cfg.WaitTimeout,
		log:      log,
	}, nil
}

func normalizeHash(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("script hash required")
	}
	u, err := chain.ParseScriptHash(s)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", s, err)
	}
	return chain.ScriptHashString(u), nil
}

// BindListings returns the listings contract with writes signed by actor.
func (c *Client) BindListings(_ context.Context, actor string) (marketplace.ListingsContract, error) {
	acc, err := c.account(actor)
	if err != nil {
		return nil, err
	}
	return &Listings{contract{c: c, hash: c.listings, account: acc}}, nil
}

// BindToken returns the token contract with writes signed by actor.
func (c *Client) BindToken(_ context.Context, actor string) (marketplace.TokenContract, error) {
	acc, err := c.account(actor)
	if err != nil {
		return nil, err
	}
	return &Token{contract{c: c, hash: c.token, account: acc}}, nil
}

func (c *Client) account(actor string) (*wallet.Account, error) {
	if c.signers == nil {
		return nil, fmt.Errorf("no signer available for %s", actor)
	}
	acc, err := c.signers.Account(actor)
	if err != nil {
		return nil, fmt.Errorf("resolve signer %s: %w", actor, err)
	}
	return acc, nil
}

func (c *Client) txBuilder(ctx context.Context) (*chain.TxBuilder, error) {
	c.builderMu.Lock()
	defer c.builderMu.Unlock()
	if c.builder != nil {
		return c.builder, nil
	}
	magic, err := c.rpc.NetworkMagic(ctx)
	if err != nil {
		return nil, fmt.Errorf("network magic: %w", err)
	}
	c.builder = chain.NewTxBuilder(c.rpc, magic)
	return c.builder, nil
}

// =============================================================================
// Contract plumbing
// =============================================================================

type contract struct {
	c       *Client
	hash    string
	account *wallet.Account
}

func (k contract) Hash() string {
	return k.hash
}

func (k contract) call(ctx context.Context, method string, params ...chain.ContractParam) (chain.StackItem, error) {
	res, err := k.c.rpc.InvokeFunction(ctx, k.hash, method, params)
	if err != nil {
		return chain.StackItem{}, fmt.Errorf("%s: %w", method, err)
	}
	item, err := res.Halted()
	if err != nil {
		return chain.StackItem{}, fmt.Errorf("%s: %w", method, err)
	}
	return item, nil
}

// send simulates the call as the bound account, then signs and broadcasts it.
func (k contract) send(ctx context.Context, method string, params ...chain.ContractParam) (marketplace.PendingTx, error) {
	signer := chain.ScriptHashString(k.account.ScriptHash())
	entry := k.c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"contract": k.hash,
		"method":   method,
		"signer":   signer,
	})

	res, err := k.c.rpc.InvokeFunctionWithSigners(ctx, k.hash, method, params, signer)
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", method, err)
	}
	builder, err := k.c.txBuilder(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := builder.BuildAndSignTx(ctx, res, k.account, transaction.CalledByEntry)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", method, err)
	}
	hash, err := builder.BroadcastTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", method, err)
	}

	txHash := "0x" + hash.StringLE()
	entry.WithFields(map[string]interface{}{
		"tx_hash":     txHash,
		"system_fee":  tx.SystemFee,
		"network_fee": tx.NetworkFee,
	}).Info("transaction broadcast")
	return &pendingTx{c: k.c, hash: txHash, method: method}, nil
}

type pendingTx struct {
	c      *Client
	hash   string
	method string
}

func (p *pendingTx) Hash() string {
	return p.hash
}

func (p *pendingTx) Wait(ctx context.Context) error {
	res, err := p.c.rpc.WaitForExecution(ctx, p.hash, p.c.poll, p.c.wait)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.method, p.hash, err)
	}
	p.c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"tx_hash":  p.hash,
		"method":   p.method,
		"vm_state": res.VMState,
	}).Debug("transaction confirmed")
	return nil
}

// =============================================================================
// Listings contract
// =============================================================================

// Listings is the car listings contract.
type Listings struct {
	contract
}

// carFields is the arity of the readCars result.
const carFields = 7

// CarsLength returns the number of listings ever created, retired ones included.
func (l *Listings) CarsLength(ctx context.Context) (int, error) {
	item, err := l.call(ctx, "getCarsLength")
	if err != nil {
		return 0, err
	}
	n, err := chain.ParseInteger(item)
	if err != nil {
		return 0, fmt.Errorf("getCarsLength: %w", err)
	}
	if !n.IsInt64() || n.Int64() < 0 || n.Int64() > int64(^uint32(0)) {
		return 0, fmt.Errorf("getCarsLength: out of range: %s", n)
	}
	return int(n.Int64()), nil
}

// ReadCar reads the core record of the listing at index.
func (l *Listings) ReadCar(ctx context.Context, index int) (marketplace.CarRecord, error) {
	item, err := l.call(ctx, "readCars", indexParam(index))
	if err != nil {
		return marketplace.CarRecord{}, err
	}
	rec, err := parseCar(item)
	if err != nil {
		return marketplace.CarRecord{}, fmt.Errorf("readCars(%d): %w", index, err)
	}
	return rec, nil
}

func parseCar(item chain.StackItem) (marketplace.CarRecord, error) {
	fields, err := chain.ParseArray(item)
	if err != nil {
		return marketplace.CarRecord{}, err
	}
	if len(fields) != carFields {
		return marketplace.CarRecord{}, fmt.Errorf("expected %d fields, got %d", carFields, len(fields))
	}

	var rec marketplace.CarRecord
	if rec.Owner, err = chain.ParseHash160(fields[0]); err != nil {
		return rec, fmt.Errorf("owner: %w", err)
	}
	for i, dst := range []*string{&rec.Name, &rec.Model, &rec.Color} {
		if *dst, err = chain.ParseString(fields[i+1]); err != nil {
			return rec, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	if rec.Price, err = chain.ParseInteger(fields[4]); err != nil {
		return rec, fmt.Errorf("price: %w", err)
	}
	sold, err := chain.ParseInteger(fields[5])
	if err != nil {
		return rec, fmt.Errorf("sold: %w", err)
	}
	available, err := chain.ParseInteger(fields[6])
	if err != nil {
		return rec, fmt.Errorf("available: %w", err)
	}
	if !sold.IsInt64() || !available.IsInt64() {
		return rec, fmt.Errorf("unit counts out of range")
	}
	rec.Sold = sold.Int64()
	rec.Available = available.Int64()
	return rec, nil
}

// CarImage returns the image URL of the listing at index.
func (l *Listings) CarImage(ctx context.Context, index int) (string, error) {
	item, err := l.call(ctx, "carImage", indexParam(index))
	if err != nil {
		return "", err
	}
	return chain.ParseString(item)
}

// IsCarDeleted reports whether the listing at index has been retired.
func (l *Listings) IsCarDeleted(ctx context.Context, index int) (bool, error) {
	item, err := l.call(ctx, "isCarDeleted", indexParam(index))
	if err != nil {
		return false, err
	}
	return chain.ParseBoolean(item)
}

// UploadCar submits a new listing. Price is in token base units.
func (l *Listings) UploadCar(ctx context.Context, car marketplace.NewCar) (marketplace.PendingTx, error) {
	return l.send(ctx, "uploadCar",
		chain.NewStringParam(car.Name),
		chain.NewStringParam(car.Model),
		chain.NewStringParam(car.Color),
		chain.NewStringParam(car.ImageURL),
		chain.NewIntegerParam(car.Price),
		chain.NewIntegerParam(big.NewInt(car.Available)),
	)
}

// BuyCar submits a purchase of one unit. The contract draws the price from
// the buyer's token approval.
func (l *Listings) BuyCar(ctx context.Context, index int) (marketplace.PendingTx, error) {
	return l.send(ctx, "buyCar", indexParam(index))
}

// DeleteCar submits the retirement of the listing at index.
func (l *Listings) DeleteCar(ctx context.Context, index int) (marketplace.PendingTx, error) {
	return l.send(ctx, "deleteCar", indexParam(index))
}

func indexParam(index int) chain.ContractParam {
	return chain.NewIntegerParam(big.NewInt(int64(index)))
}

// =============================================================================
// Token contract
// =============================================================================

// Token is the NEP-17 payment token.
type Token struct {
	contract
}

// Approve submits approve(owner, spender, amount) with the signing account
// as owner.
func (t *Token) Approve(ctx context.Context, spender string, amount *big.Int) (marketplace.PendingTx, error) {
	spenderHash, err := normalizeHash(spender)
	if err != nil {
		return nil, fmt.Errorf("spender: %w", err)
	}
	owner := chain.ScriptHashString(t.account.ScriptHash())
	return t.send(ctx, "approve",
		chain.NewHash160Param(owner),
		chain.NewHash160Param(spenderHash),
		chain.NewIntegerParam(amount),
	)
}

// BalanceOf returns the token balance of account in base units.
func (t *Token) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	hash, err := normalizeHash(account)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	item, err := t.call(ctx, "balanceOf", chain.NewHash160Param(hash))
	if err != nil {
		return nil, err
	}
	return chain.ParseInteger(item)
}
