package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"marketwallet/encoder"
	"marketwallet/guard"
	"marketwallet/tokens"
)

// ErrProviderQuery wraps every failed chain read. A failed read is never taken
// as approved or as not approved.
var ErrProviderQuery = errors.New("provider query failed")

type AssetKind int

const (
	Fungible   AssetKind = iota // ERC20 allowance
	Collection                  // ERC1155 operator approval
)

func (k AssetKind) String() string {
	if k == Collection {
		return "collection"
	}
	return "fungible"
}

// Requirement describes the approval an intended transaction depends on.
// Amount is ignored for collections, where the operator is approved for all tokens.
type Requirement struct {
	Owner    common.Address
	Spender  common.Address
	Kind     AssetKind
	Contract common.Address
	Amount   *big.Int
}

// GuardName is the guard held while the approval of this requirement is outstanding.
func (r *Requirement) GuardName() string {
	if r.Kind == Collection {
		return guard.ApproveERC1155
	}
	return guard.ApproveERC20
}

// ApprovalTx builds the approval transaction. Approvals are always unlimited:
// the maximum uint256 for tokens, approval for all for collections.
func (r *Requirement) ApprovalTx(enc *encoder.Encoder) (*tokens.Tx, error) {
	var data []byte
	var err error
	if r.Kind == Collection {
		data, err = enc.SetApprovalForAll(r.Spender, true)
	} else {
		data, err = enc.Approve(r.Spender, math.MaxBig256)
	}
	if err != nil {
		return nil, err
	}
	return &tokens.Tx{To: r.Contract, Data: data}, nil
}

// Oracle answers whether approvals and balances are sufficient.
type Oracle struct {
	reader tokens.ChainReader
}

func New(reader tokens.ChainReader) *Oracle {
	return &Oracle{reader: reader}
}

func (o *Oracle) HasFungibleAllowance(ctx context.Context, owner, spender, token common.Address, required *big.Int) (bool, error) {
	allowance, err := o.reader.ReadAllowance(ctx, token, owner, spender)
	if err != nil {
		return false, fmt.Errorf("%w: allowance of %s for %s : %v", ErrProviderQuery, owner.Hex(), spender.Hex(), err)
	}
	if allowance == nil {
		return false, fmt.Errorf("%w: empty allowance of %s for %s", ErrProviderQuery, owner.Hex(), spender.Hex())
	}
	return allowance.Cmp(required) >= 0, nil
}

func (o *Oracle) HasCollectionApproval(ctx context.Context, owner, operator, collection common.Address) (bool, error) {
	approved, err := o.reader.ReadOperatorApproval(ctx, collection, owner, operator)
	if err != nil {
		return false, fmt.Errorf("%w: operator approval of %s for %s : %v", ErrProviderQuery, owner.Hex(), operator.Hex(), err)
	}
	return approved, nil
}

// HasSufficientFungibleBalance sums every balance record of token held by account.
// Records of another contract do not count.
func (o *Oracle) HasSufficientFungibleBalance(ctx context.Context, account, token common.Address, required *big.Int) (bool, error) {
	balances, err := o.reader.ReadTokenBalances(ctx, token, account)
	if err != nil {
		return false, fmt.Errorf("%w: balances of %s : %v", ErrProviderQuery, account.Hex(), err)
	}
	sum := new(big.Int)
	for _, b := range balances {
		if b.ContractAddress != token || b.Balance == nil {
			continue
		}
		sum.Add(sum, b.Balance)
	}
	return sum.Cmp(required) >= 0, nil
}

// Satisfied reports whether req already holds at decision time.
func (o *Oracle) Satisfied(ctx context.Context, req *Requirement) (bool, error) {
	if req.Kind == Collection {
		return o.HasCollectionApproval(ctx, req.Owner, req.Spender, req.Contract)
	}
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return o.HasFungibleAllowance(ctx, req.Owner, req.Spender, req.Contract, amount)
}
