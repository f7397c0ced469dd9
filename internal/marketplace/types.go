// Package marketplace keeps a local snapshot of the car listings recorded on
// the ledger and orchestrates the signed transactions that change them.
package marketplace

import (
	"context"
	"math/big"
	"strings"
)

// =============================================================================
// Collaborators
// =============================================================================

// Agent is the user-controlled signing agent.
type Agent interface {
	// Enable asks the user to grant account access.
	Enable(ctx context.Context) error
	// Accounts lists the granted identities; the first is the default.
	Accounts(ctx context.Context) ([]string, error)
}

// Binder turns an authorized actor into contract handles whose writes are
// signed by that actor.
type Binder interface {
	BindListings(ctx context.Context, actor string) (ListingsContract, error)
	BindToken(ctx context.Context, actor string) (TokenContract, error)
}

// PendingTx is a broadcast transaction. There is no way to cancel it.
type PendingTx interface {
	Hash() string
	// Wait blocks until the ledger has executed the transaction and fails if
	// execution did not succeed.
	Wait(ctx context.Context) error
}

// ListingsContract is the call surface of the listings contract.
type ListingsContract interface {
	// Hash is the contract address, the spender of token approvals.
	Hash() string

	CarsLength(ctx context.Context) (int, error)
	ReadCar(ctx context.Context, index int) (CarRecord, error)
	CarImage(ctx context.Context, index int) (string, error)
	IsCarDeleted(ctx context.Context, index int) (bool, error)

	UploadCar(ctx context.Context, car NewCar) (PendingTx, error)
	BuyCar(ctx context.Context, index int) (PendingTx, error)
	DeleteCar(ctx context.Context, index int) (PendingTx, error)
}

// TokenContract is the call surface of the payment token.
type TokenContract interface {
	Approve(ctx context.Context, spender string, amount *big.Int) (PendingTx, error)
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
}

// =============================================================================
// Records
// =============================================================================

// CarRecord is the core record returned by readCars.
type CarRecord struct {
	Owner     string
	Name      string
	Model     string
	Color     string
	Price     *big.Int
	Sold      int64
	Available int64
}

// NewCar holds the arguments of uploadCar. Price is in base units.
type NewCar struct {
	Name      string
	Model     string
	Color     string
	ImageURL  string
	Price     *big.Int
	Available int64
}

// Listing is one car offer as seen in the snapshot.
type Listing struct {
	Index     int      `json:"index"`
	Owner     string   `json:"owner"`
	Name      string   `json:"name"`
	Model     string   `json:"model"`
	Color     string   `json:"color"`
	ImageURL  string   `json:"imageUrl"`
	Price     *big.Int `json:"price"`
	Sold      int64    `json:"sold"`
	Available int64    `json:"available"`
	IsDeleted bool     `json:"isDeleted"`
}

// Purchasable reports whether the listing can still be bought.
func (l Listing) Purchasable() bool {
	return !l.IsDeleted && l.Available > 0
}

// OwnedBy reports whether actor created the listing.
func (l Listing) OwnedBy(actor string) bool {
	return actor != "" && strings.EqualFold(l.Owner, actor)
}

// ViewAction is the control offered to an actor for a listing.
type ViewAction string

const (
	ViewNone    ViewAction = ""
	ViewBuy     ViewAction = "buy"
	ViewRetire  ViewAction = "retire"
	ViewSoldOut ViewAction = "sold_out"
)

// ActionFor returns the control to present to actor: owners may retire a
// listing with units left, other actors may buy it, and an exhausted
// listing is sold out for everyone. Retired listings offer nothing.
func (l Listing) ActionFor(actor string) ViewAction {
	switch {
	case l.IsDeleted:
		return ViewNone
	case l.Available <= 0:
		return ViewSoldOut
	case l.OwnedBy(actor):
		return ViewRetire
	default:
		return ViewBuy
	}
}

func (l Listing) clone() Listing {
	if l.Price != nil {
		l.Price = new(big.Int).Set(l.Price)
	}
	return l
}

// ListingInput is a create request as entered by the user.
type ListingInput struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Color     string `json:"color"`
	ImageURL  string `json:"imageUrl"`
	Price     string `json:"price"`
	Available int64  `json:"available"`
}
