package server

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketwallet/market"
)

// ErrInsufficientFunds is returned by Buy when the currency balance can't pay
// for the best order. Nothing is submitted.
var ErrInsufficientFunds = errors.New("insufficient funds")

// IsBlocking reports whether err is a notice for the user rather than a fault:
// there is nothing to buy, or not enough to buy it with.
func IsBlocking(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, market.ErrNoOrdersFound)
}

const (
	mintTokenRange  = 6
	defaultExpiry   = 7 * 24 * time.Hour
	defaultPrice    = "0.01"
	defaultSellItem = 1
)

// SellParams describes a listing. Zero fields take the defaults: token 1,
// quantity 1, price 0.01, expiry in seven days.
type SellParams struct {
	TokenID  *big.Int
	Quantity *big.Int
	Price    string // in whole currency units, "0.01"
	Expiry   time.Time
}

// Status is the connection and guard state of the app.
type Status struct {
	Address      common.Address    `json:"address"`
	Connected    bool              `json:"connected"`
	BatchCapable bool              `json:"batchCapable"`
	Guards       map[string]bool   `json:"guards"`
	States       map[string]string `json:"states"`
}

type mintRequest struct {
	TokenID string `json:"tokenId"`
	Amount  string `json:"amount"`
}

type transferRequest struct {
	To      string `json:"to"`
	TokenID string `json:"tokenId"`
	Amount  string `json:"amount"`
}

type sellRequest struct {
	TokenID  string `json:"tokenId"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Expiry   int64  `json:"expiry"` // unix seconds
}

type buyRequest struct {
	TokenID  string `json:"tokenId" binding:"required"`
	Quantity string `json:"quantity"`
}

type txResponse struct {
	Operation string        `json:"operation"`
	Pending   bool          `json:"pending"`
	Hashes    []common.Hash `json:"hashes"`
}
