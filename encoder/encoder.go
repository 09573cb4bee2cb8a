package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrEncoding is returned when the arguments do not match the function signature.
var ErrEncoding = errors.New("encoding error")

// Encoder builds call data for the functions of a json abi. It is stateless
// after creation and safe for concurrent use.
type Encoder struct {
	abi     abi.ABI
	methods map[string]abi.Method // keyed by canonical signature
}

func New(abiJSON string) (*Encoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi error. %v", err)
	}
	e := &Encoder{abi: parsed, methods: make(map[string]abi.Method)}
	for _, m := range parsed.Methods {
		e.methods[m.Sig] = m
	}
	return e, nil
}

var defaultEncoder *Encoder

func init() {
	var err error
	if defaultEncoder, err = New(contractABI); err != nil {
		panic(err)
	}
}

// Default returns the encoder for the collection, currency and marketplace contracts.
func Default() *Encoder {
	return defaultEncoder
}

// Method returns the abi method of a canonical signature such as "approve(address,uint256)".
func (e *Encoder) Method(signature string) (abi.Method, error) {
	m, ok := e.methods[signature]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: unknown function %s", ErrEncoding, signature)
	}
	return m, nil
}

// Encode returns the 4 bytes selector followed by the abi encoded arguments.
func (e *Encoder) Encode(signature string, args ...interface{}) (data []byte, err error) {
	m, err := e.Method(signature)
	if err != nil {
		return nil, err
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrEncoding, signature, len(m.Inputs), len(args))
	}
	// abi packing panics on nil big.Int pointers
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("%w: %s : %v", ErrEncoding, signature, r)
		}
	}()
	packed, err := m.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s : %v", ErrEncoding, signature, err)
	}
	return append(append([]byte{}, m.ID...), packed...), nil
}

// Decode unpacks call data produced by Encode back to its arguments.
func (e *Encoder) Decode(signature string, data []byte) ([]interface{}, error) {
	m, err := e.Method(signature)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 || !bytes.Equal(data[:4], m.ID) {
		return nil, fmt.Errorf("%w: data is not a %s call", ErrEncoding, signature)
	}
	return m.Inputs.Unpack(data[4:])
}

// DecodeOutput unpacks the return data of an eth_call.
func (e *Encoder) DecodeOutput(signature string, out []byte) ([]interface{}, error) {
	m, err := e.Method(signature)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Unpack(out)
}

// RequestParams is the marketplace createRequest tuple.
type RequestParams struct {
	IsListing     bool
	IsERC1155     bool
	TokenContract common.Address
	TokenId       *big.Int
	Quantity      *big.Int
	Expiry        *big.Int // uint96, unix seconds
	Currency      common.Address
	PricePerToken *big.Int
}

func (e *Encoder) Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return e.Encode(SigApprove, spender, amount)
}

func (e *Encoder) SetApprovalForAll(operator common.Address, approved bool) ([]byte, error) {
	return e.Encode(SigSetApprovalForAll, operator, approved)
}

func (e *Encoder) Mint(to common.Address, tokenID, amount *big.Int, data []byte) ([]byte, error) {
	return e.Encode(SigMint, to, tokenID, amount, data)
}

func (e *Encoder) SafeTransferFrom(from, to common.Address, id, amount *big.Int, data []byte) ([]byte, error) {
	return e.Encode(SigSafeTransferFrom, from, to, id, amount, data)
}

func (e *Encoder) CreateRequest(req RequestParams) ([]byte, error) {
	return e.Encode(SigCreateRequest, req)
}

func (e *Encoder) AcceptRequest(requestID, quantity *big.Int, recipient common.Address, fees []*big.Int, feeRecipients []common.Address) ([]byte, error) {
	if fees == nil {
		fees = []*big.Int{}
	}
	if feeRecipients == nil {
		feeRecipients = []common.Address{}
	}
	return e.Encode(SigAcceptRequest, requestID, quantity, recipient, fees, feeRecipients)
}

func (e *Encoder) Allowance(owner, spender common.Address) ([]byte, error) {
	return e.Encode(SigAllowance, owner, spender)
}

func (e *Encoder) IsApprovedForAll(account, operator common.Address) ([]byte, error) {
	return e.Encode(SigIsApprovedForAll, account, operator)
}
