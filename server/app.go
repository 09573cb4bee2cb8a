package server

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketwallet/config"
	"marketwallet/encoder"
	"marketwallet/gl"
	"marketwallet/guard"
	"marketwallet/market"
	"marketwallet/oracle"
	"marketwallet/sequencer"
	"marketwallet/tokens"
)

// OrderBook finds the order a Buy accepts.
type OrderBook interface {
	GetBestOrder(ctx context.Context, tokenID string) (*market.Order, error)
}

// App runs the wallet operations against the contracts of config.Contracts.
type App struct {
	wallet tokens.Wallet
	oracle *oracle.Oracle
	orders OrderBook
	guards *guard.Registry
	seq    *sequencer.Sequencer
	enc    *encoder.Encoder

	collection  common.Address
	marketplace common.Address
	currency    common.Address
}

func NewApp(ctx context.Context, wallet tokens.Wallet, reader tokens.ChainReader, orders OrderBook, bus *tokens.ReceiptBus) (*App, error) {
	a := &App{
		wallet:      wallet,
		oracle:      oracle.New(reader),
		orders:      orders,
		guards:      guard.NewRegistry(),
		enc:         encoder.Default(),
		collection:  common.HexToAddress(config.Contracts.Collection),
		marketplace: common.HexToAddress(config.Contracts.Marketplace),
		currency:    common.HexToAddress(config.Contracts.Currency),
	}
	var err error
	if a.seq, err = sequencer.New(ctx, wallet, a.oracle, a.guards, a.enc, bus); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) Close() {
	a.seq.Close()
}

func (a *App) Connect(ctx context.Context) (common.Address, error) {
	addr, err := a.wallet.Connect(ctx)
	if err != nil {
		return common.Address{}, err
	}
	gl.Info("wallet connected. %s", addr.Hex())
	return addr, nil
}

func (a *App) Disconnect() error {
	return a.wallet.Disconnect()
}

func (a *App) Status(ctx context.Context) (*Status, error) {
	connected, err := a.wallet.IsAuthorized(ctx, config.Wallet.Connector)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Address:      a.wallet.Address(),
		Connected:    connected,
		BatchCapable: a.wallet.BatchCapable(),
		Guards:       a.guards.Snapshot(),
		States:       make(map[string]string),
	}
	for _, op := range []string{guard.Mint, guard.Transfer, guard.Sell, guard.Buy} {
		st.States[op] = a.seq.State(op).String()
	}
	return st, nil
}

func (a *App) account() (common.Address, error) {
	addr := a.wallet.Address()
	if addr == (common.Address{}) {
		return addr, tokens.ErrNotConnected
	}
	return addr, nil
}

// Mint mints amount of tokenID to the connected account. A nil tokenID picks one
// of the first six tokens, a nil amount mints one.
func (a *App) Mint(ctx context.Context, tokenID, amount *big.Int) (*sequencer.Task, error) {
	tx, err := a.mintTx(tokenID, amount)
	if err != nil {
		return nil, err
	}
	return a.seq.Execute(ctx, &sequencer.Request{Operation: guard.Mint, Intended: tx})
}

// MintUnguarded is Mint without the guard: repeated calls overlap.
func (a *App) MintUnguarded(ctx context.Context, tokenID, amount *big.Int) (*sequencer.Task, error) {
	tx, err := a.mintTx(tokenID, amount)
	if err != nil {
		return nil, err
	}
	return a.seq.SubmitUnguarded(ctx, guard.Mint, tx)
}

func (a *App) mintTx(tokenID, amount *big.Int) (*tokens.Tx, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	to, err := a.account()
	if err != nil {
		return nil, err
	}
	data, err := a.enc.Mint(to, orRandomToken(tokenID), orOne(amount), []byte{0})
	if err != nil {
		return nil, err
	}
	return &tokens.Tx{To: a.collection, Data: data}, nil
}

// Transfer sends amount of tokenID from the connected account to to. A zero to
// sends to the account itself.
func (a *App) Transfer(ctx context.Context, to common.Address, tokenID, amount *big.Int) (*sequencer.Task, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	from, err := a.account()
	if err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		to = from
	}
	data, err := a.enc.SafeTransferFrom(from, to, orRandomToken(tokenID), orOne(amount), []byte{0})
	if err != nil {
		return nil, err
	}
	return a.seq.Execute(ctx, &sequencer.Request{
		Operation: guard.Transfer,
		Intended:  &tokens.Tx{To: a.collection, Data: data},
	})
}

// Sell lists tokens of the collection on the marketplace. The marketplace must
// be approved as operator of the collection first.
func (a *App) Sell(ctx context.Context, p SellParams) (*sequencer.Task, error) {
	if err := positive("quantity", p.Quantity); err != nil {
		return nil, err
	}
	owner, err := a.account()
	if err != nil {
		return nil, err
	}
	if p.TokenID == nil {
		p.TokenID = big.NewInt(defaultSellItem)
	}
	if p.Price == "" {
		p.Price = defaultPrice
	}
	if p.Expiry.IsZero() {
		p.Expiry = time.Now().Add(defaultExpiry)
	}
	price, err := parseUnits(p.Price, config.Contracts.CurrencyDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrEncoding, err)
	}
	data, err := a.enc.CreateRequest(encoder.RequestParams{
		IsListing:     true,
		IsERC1155:     true,
		TokenContract: a.collection,
		TokenId:       p.TokenID,
		Quantity:      orOne(p.Quantity),
		Expiry:        big.NewInt(p.Expiry.Unix()),
		Currency:      a.currency,
		PricePerToken: price,
	})
	if err != nil {
		return nil, err
	}
	return a.seq.Execute(ctx, &sequencer.Request{
		Operation: guard.Sell,
		Intended:  &tokens.Tx{To: a.marketplace, Data: data},
		Requirement: &oracle.Requirement{
			Owner:    owner,
			Spender:  a.marketplace,
			Kind:     oracle.Collection,
			Contract: a.collection,
		},
	})
}

// Buy accepts the best listing of tokenID. It returns ErrInsufficientFunds
// without submitting anything when the currency balance can't pay for it.
func (a *App) Buy(ctx context.Context, tokenID string, quantity *big.Int) (*sequencer.Task, error) {
	if err := positive("quantity", quantity); err != nil {
		return nil, err
	}
	buyer, err := a.account()
	if err != nil {
		return nil, err
	}
	quantity = orOne(quantity)

	order, err := a.orders.GetBestOrder(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	price, err := order.Price()
	if err != nil {
		return nil, err
	}
	orderID, err := order.ID()
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Mul(price, quantity)

	enough, err := a.oracle.HasSufficientFungibleBalance(ctx, buyer, a.currency, required)
	if err != nil {
		return nil, err
	}
	if !enough {
		gl.Info("buy of token %s blocked. %s can't pay %s", tokenID, buyer.Hex(), required.String())
		return nil, fmt.Errorf("%w: order %s needs %s", ErrInsufficientFunds, order.OrderID, required.String())
	}

	data, err := a.enc.AcceptRequest(orderID, quantity, buyer, nil, nil)
	if err != nil {
		return nil, err
	}
	return a.seq.Execute(ctx, &sequencer.Request{
		Operation: guard.Buy,
		Intended:  &tokens.Tx{To: a.marketplace, Data: data},
		Requirement: &oracle.Requirement{
			Owner:    buyer,
			Spender:  a.marketplace,
			Kind:     oracle.Fungible,
			Contract: a.currency,
			Amount:   required,
		},
	})
}

// BestOrder returns the order Buy would accept.
func (a *App) BestOrder(ctx context.Context, tokenID string) (*market.Order, error) {
	return a.orders.GetBestOrder(ctx, tokenID)
}

// positive refuses zero and negative amounts. nil is allowed and means one.
func positive(name string, n *big.Int) error {
	if n != nil && n.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", encoder.ErrEncoding, name)
	}
	return nil
}

func orOne(n *big.Int) *big.Int {
	if n == nil {
		return big.NewInt(1)
	}
	return n
}

func orRandomToken(id *big.Int) *big.Int {
	if id == nil {
		return big.NewInt(rand.Int63n(mintTokenRange))
	}
	return id
}
