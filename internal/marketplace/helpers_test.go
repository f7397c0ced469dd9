package marketplace_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
	"github.com/R3E-Network/carmarket/internal/marketplace/marketplacetest"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

var oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneToken)
}

func newSession(ledger *marketplacetest.Ledger, actor string) *marketplace.Session {
	return marketplace.NewSession(marketplacetest.NewAgent(actor), &marketplacetest.Binder{Ledger: ledger}, logging.NewDiscard("test"))
}

func connectedRepo(t *testing.T, ledger *marketplacetest.Ledger, concurrency int) *marketplace.Repository {
	t.Helper()
	s := newSession(ledger, alice)
	require.NoError(t, s.Connect(context.Background()))
	return marketplace.NewRepository(s, concurrency, logging.NewDiscard("test"))
}

// newClient connects actor to ledger and loads the initial snapshot.
func newClient(t *testing.T, ledger *marketplacetest.Ledger, actor string) *marketplace.Orchestrator {
	t.Helper()
	log := logging.NewDiscard("test")
	cc := marketplace.NewClientContext(marketplacetest.NewAgent(actor), &marketplacetest.Binder{Ledger: ledger}, marketplace.Options{
		FetchConcurrency: 4,
		Logger:           log,
	})
	require.NoError(t, cc.Session.Connect(context.Background()))
	o := marketplace.NewOrchestrator(cc, log)
	require.NoError(t, o.Refresh(context.Background()))
	return o
}

func validInput() marketplace.ListingInput {
	return marketplace.ListingInput{
		Name:      "Roadster",
		Model:     "R1",
		Color:     "blue",
		ImageURL:  "https://img.example/roadster.png",
		Price:     "1.5",
		Available: 1,
	}
}
