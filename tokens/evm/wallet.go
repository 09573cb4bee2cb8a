package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"marketwallet/gl"
	"marketwallet/tokens"
)

const ConnectorID = "keystore"

const sendTimeout = 60 * time.Second

// Backend is the part of ethclient.Client the wallet sends with.
type Backend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeystoreWallet signs legacy EIP-155 transactions with a key decrypted from a
// keystore file. It can not send batches.
type KeystoreWallet struct {
	backend  Backend
	chainId  *big.Int
	bus      *tokens.ReceiptBus
	keyjson  []byte
	password string

	mtx sync.RWMutex
	key *keystore.Key

	sendMtx sync.Mutex // one nonce at a time
	wg      sync.WaitGroup
}

func NewKeystoreWallet(backend Backend, chainId *big.Int, keyjson []byte, password string, bus *tokens.ReceiptBus) *KeystoreWallet {
	return &KeystoreWallet{
		backend:  backend,
		chainId:  chainId,
		bus:      bus,
		keyjson:  keyjson,
		password: password,
	}
}

func (w *KeystoreWallet) Connect(ctx context.Context) (common.Address, error) {
	key, err := keystore.DecryptKey(w.keyjson, w.password)
	if err != nil {
		return common.Address{}, fmt.Errorf("keystore decrypt error. %v", err)
	}
	w.mtx.Lock()
	w.key = key
	w.mtx.Unlock()
	return key.Address, nil
}

func (w *KeystoreWallet) Disconnect() error {
	w.mtx.Lock()
	w.key = nil
	w.mtx.Unlock()
	return nil
}

func (w *KeystoreWallet) IsAuthorized(ctx context.Context, connectorID string) (bool, error) {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return connectorID == ConnectorID && w.key != nil, nil
}

func (w *KeystoreWallet) Address() common.Address {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	if w.key == nil {
		return common.Address{}
	}
	return w.key.Address
}

func (w *KeystoreWallet) BatchCapable() bool {
	return false
}

// Submit signs and sends tx in the background and publishes its hash.
func (w *KeystoreWallet) Submit(ctx context.Context, requestID string, tx *tokens.Tx) error {
	w.mtx.RLock()
	key := w.key
	w.mtx.RUnlock()
	if key == nil {
		return tokens.ErrNotConnected
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		hash, err := w.send(ctx, key, tx)
		if err != nil {
			gl.Error("keystore wallet send error. %s : %v", requestID, err)
		}
		w.bus.Publish(&tokens.Receipt{RequestID: requestID, Hash: hash, Error: err})
	}()
	return nil
}

func (w *KeystoreWallet) SubmitBatch(ctx context.Context, requestID string, txs []*tokens.Tx) error {
	return fmt.Errorf("%w: keystore wallet can't send a batch", tokens.ErrSubmissionRejected)
}

// Wait blocks until every background send published its receipt.
func (w *KeystoreWallet) Wait() {
	w.wg.Wait()
}

func (w *KeystoreWallet) send(ctx context.Context, key *keystore.Key, tx *tokens.Tx) (common.Hash, error) {
	w.sendMtx.Lock()
	defer w.sendMtx.Unlock()

	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("Get SuggestGasPrice error. %v", err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, key.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("Get PendingNonceAt error. %v", err)
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	rawTx := types.NewTransaction(nonce, tx.To, value, gl.GasLimit, gasPrice, tx.Data)

	signedTx, err := types.SignTx(rawTx, types.NewEIP155Signer(w.chainId), key.PrivateKey)
	if err != nil {
		return common.Hash{}, err
	}
	if err = w.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	return signedTx.Hash(), nil
}
