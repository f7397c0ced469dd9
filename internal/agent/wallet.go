// Package agent implements the signing agent backed by a NEP-6 wallet file.
//
// The agent mirrors what a browser wallet extension offers a dApp: Enable asks
// the user for consent (here, the passphrase that unlocks the wallet), Accounts
// lists the unlocked identities and Account hands the ledger client a signer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/carmarket/internal/chain"
)

var (
	// ErrNoWallet is returned by Open when no wallet file exists.
	ErrNoWallet = errors.New("wallet file not found")
	// ErrDenied is returned by Enable when the user withholds consent.
	ErrDenied = errors.New("access denied")
	// ErrLocked is returned when accounts are requested before Enable.
	ErrLocked = errors.New("wallet is locked")
	// ErrUnknownAccount is returned for identities the wallet does not hold.
	ErrUnknownAccount = errors.New("unknown account")
)

// Authorizer asks the user to authorize access for the given wallet and
// returns the unlocking passphrase.
type Authorizer func(ctx context.Context, walletPath string) (string, error)

// StaticPassphrase authorizes with a fixed passphrase. An empty passphrase
// counts as a refusal.
func StaticPassphrase(passphrase string) Authorizer {
	return func(context.Context, string) (string, error) {
		if passphrase == "" {
			return "", fmt.Errorf("%w: no passphrase supplied", ErrDenied)
		}
		return passphrase, nil
	}
}

// WalletAgent is a signing agent holding the accounts of one NEP-6 wallet.
type WalletAgent struct {
	mu        sync.RWMutex
	path      string
	wallet    *wallet.Wallet
	authorize Authorizer
	unlocked  []*wallet.Account
}

// Open loads the wallet at path. Accounts stay locked until Enable.
func Open(path string, authorize Authorizer) (*WalletAgent, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrNoWallet
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoWallet, path)
		}
		return nil, fmt.Errorf("stat wallet: %w", err)
	}

	w, err := wallet.NewWalletFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	if authorize == nil {
		authorize = StaticPassphrase("")
	}
	return &WalletAgent{path: path, wallet: w, authorize: authorize}, nil
}

// Enable requests authorization and decrypts every account in the wallet.
// Accounts that fail to decrypt make the whole request fail.
func (a *WalletAgent) Enable(ctx context.Context) error {
	passphrase, err := a.authorize(ctx, a.path)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	unlocked := make([]*wallet.Account, 0, len(a.wallet.Accounts))
	for _, acc := range a.wallet.Accounts {
		if err := acc.Decrypt(passphrase, a.wallet.Scrypt); err != nil {
			return fmt.Errorf("%w: decrypt %s: %v", ErrDenied, acc.Address, err)
		}
		unlocked = append(unlocked, acc)
	}
	if len(unlocked) == 0 {
		return fmt.Errorf("%w: wallet holds no accounts", ErrDenied)
	}

	defaultFirst(unlocked)
	a.unlocked = unlocked
	return nil
}

// Accounts returns the unlocked identities as 0x script hashes. The wallet's
// default account, if marked, comes first.
func (a *WalletAgent) Accounts(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.unlocked == nil {
		return nil, ErrLocked
	}
	out := make([]string, 0, len(a.unlocked))
	for _, acc := range a.unlocked {
		out = append(out, chain.ScriptHashString(acc.ScriptHash()))
	}
	return out, nil
}

// Account returns the signing account for an identity returned by Accounts.
func (a *WalletAgent) Account(identity string) (*wallet.Account, error) {
	hash, err := chain.ParseScriptHash(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, identity)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.unlocked == nil {
		return nil, ErrLocked
	}
	for _, acc := range a.unlocked {
		if acc.ScriptHash().Equals(hash) {
			return acc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, identity)
}

// Close locks the agent and releases the wallet.
func (a *WalletAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unlocked = nil
	a.wallet.Close()
}

func defaultFirst(accounts []*wallet.Account) {
	for i, acc := range accounts {
		if acc.Default && i > 0 {
			copy(accounts[1:i+1], accounts[0:i])
			accounts[0] = acc
			return
		}
	}
}
