package tokens

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrSubmissionRejected means the wallet, the user or the node declined a transaction.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrNotConnected is returned when no account is connected to the wallet.
	ErrNotConnected = errors.New("wallet is not connected")
)

// Tx is a contract call handed to the wallet.
type Tx struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Receipt is the asynchronous outcome of a submission. RequestID is the id the
// caller attached to Submit or SubmitBatch.
type Receipt struct {
	RequestID string
	Hash      common.Hash
	Error     error
}

// Balance is one token balance record returned by the indexer.
type Balance struct {
	ContractAddress common.Address
	Balance         *big.Int
}

// Wallet connects an account, signs and submits transactions. Submit returns once
// the wallet took the request; the outcome is published later as a Receipt with
// the same request id. A returned error means the request was rejected and no
// receipt will follow.
type Wallet interface {
	Connect(ctx context.Context) (common.Address, error)
	Disconnect() error
	IsAuthorized(ctx context.Context, connectorID string) (bool, error)
	Address() common.Address
	BatchCapable() bool
	Submit(ctx context.Context, requestID string, tx *Tx) error
	SubmitBatch(ctx context.Context, requestID string, txs []*Tx) error
}

// ChainReader reads allowances, operator approvals and balances.
type ChainReader interface {
	ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	ReadOperatorApproval(ctx context.Context, collection, owner, operator common.Address) (bool, error)
	ReadTokenBalances(ctx context.Context, contract, account common.Address) ([]Balance, error)
}
