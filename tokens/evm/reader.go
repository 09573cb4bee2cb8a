package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"marketwallet/encoder"
	"marketwallet/tokens"
)

// BalanceSource lists the balance records of an account, usually the indexer.
type BalanceSource interface {
	GetTokenBalances(ctx context.Context, contract, account common.Address) ([]tokens.Balance, error)
}

// Reader reads approvals with eth_call and balances from a BalanceSource.
type Reader struct {
	caller   ethereum.ContractCaller
	balances BalanceSource
	enc      *encoder.Encoder
}

func NewReader(caller ethereum.ContractCaller, balances BalanceSource) *Reader {
	return &Reader{caller: caller, balances: balances, enc: encoder.Default()}
}

func (r *Reader) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := r.enc.Allowance(owner, spender)
	if err != nil {
		return nil, err
	}
	vals, err := r.call(ctx, token, encoder.SigAllowance, data)
	if err != nil {
		return nil, err
	}
	allowance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance result type is %T", vals[0])
	}
	return allowance, nil
}

func (r *Reader) ReadOperatorApproval(ctx context.Context, collection, owner, operator common.Address) (bool, error) {
	data, err := r.enc.IsApprovedForAll(owner, operator)
	if err != nil {
		return false, err
	}
	vals, err := r.call(ctx, collection, encoder.SigIsApprovedForAll, data)
	if err != nil {
		return false, err
	}
	approved, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("isApprovedForAll result type is %T", vals[0])
	}
	return approved, nil
}

func (r *Reader) ReadTokenBalances(ctx context.Context, contract, account common.Address) ([]tokens.Balance, error) {
	return r.balances.GetTokenBalances(ctx, contract, account)
}

func (r *Reader) call(ctx context.Context, contract common.Address, sig string, data []byte) ([]interface{}, error) {
	msg := ethereum.CallMsg{To: &contract, Data: data}
	result, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("CallContract error. %s %s : %v", contract.Hex(), sig, err)
	}
	vals, err := r.enc.DecodeOutput(sig, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s result error. %s : %v", sig, contract.Hex(), err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s returned nothing. %s", sig, contract.Hex())
	}
	return vals, nil
}
