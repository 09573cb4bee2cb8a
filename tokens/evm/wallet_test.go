package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"marketwallet/gl"
	"marketwallet/tokens"
)

type fakeBackend struct {
	mtx     sync.Mutex
	nonce   uint64
	sent    []*types.Transaction
	sendErr error
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100000000), nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func newKeyJSON(t *testing.T, pwd string) ([]byte, common.Address) {
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.NewAccount(pwd)
	require.NoError(t, err)
	jsonData, err := ks.Export(account, pwd, pwd)
	require.NoError(t, err)
	return jsonData, account.Address
}

type receipts struct {
	mtx  sync.Mutex
	list []*tokens.Receipt
}

func (r *receipts) add(rc *tokens.Receipt) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.list = append(r.list, rc)
}

func newTestWallet(t *testing.T, backend *fakeBackend) (*KeystoreWallet, common.Address, *receipts) {
	keyjson, addr := newKeyJSON(t, "secret")
	bus := tokens.NewReceiptBus()
	got := &receipts{}
	_, err := bus.Subscribe(got.add)
	require.NoError(t, err)
	return NewKeystoreWallet(backend, big.NewInt(421614), keyjson, "secret", bus), addr, got
}

func TestConnect(t *testing.T) {
	w, addr, _ := newTestWallet(t, &fakeBackend{})
	ctx := context.Background()

	ok, err := w.IsAuthorized(ctx, ConnectorID)
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, w.Submit(ctx, "id", &tokens.Tx{}), tokens.ErrNotConnected)

	got, err := w.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, addr, got)
	require.Equal(t, addr, w.Address())
	ok, _ = w.IsAuthorized(ctx, ConnectorID)
	require.True(t, ok)
	ok, _ = w.IsAuthorized(ctx, "sequence")
	require.False(t, ok)
	require.False(t, w.BatchCapable())

	require.NoError(t, w.Disconnect())
	require.Equal(t, common.Address{}, w.Address())
}

func TestConnectBadPassword(t *testing.T) {
	keyjson, _ := newKeyJSON(t, "secret")
	w := NewKeystoreWallet(&fakeBackend{}, big.NewInt(1), keyjson, "wrong", tokens.NewReceiptBus())
	_, err := w.Connect(context.Background())
	require.Error(t, err)
}

func TestSubmitSignsAndPublishes(t *testing.T) {
	backend := &fakeBackend{nonce: 5}
	w, addr, got := newTestWallet(t, backend)
	_, err := w.Connect(context.Background())
	require.NoError(t, err)

	to := common.HexToAddress("0x1693ffc74edbb50d6138517fe5cd64fd1c917709")
	require.NoError(t, w.Submit(context.Background(), "first", &tokens.Tx{To: to, Data: []byte{1, 2}}))
	require.NoError(t, w.Submit(context.Background(), "second", &tokens.Tx{To: to, Data: []byte{3}}))
	w.Wait()

	require.Len(t, backend.sent, 2)
	signer := types.NewEIP155Signer(big.NewInt(421614))
	nonces := map[uint64]bool{}
	for _, tx := range backend.sent {
		from, err := types.Sender(signer, tx)
		require.NoError(t, err)
		require.Equal(t, addr, from)
		require.Equal(t, to, *tx.To())
		require.Equal(t, gl.GasLimit, tx.Gas())
		nonces[tx.Nonce()] = true
	}
	require.Equal(t, map[uint64]bool{5: true, 6: true}, nonces, "sends never share a nonce")

	require.Len(t, got.list, 2)
	hashes := map[string]common.Hash{}
	for _, r := range got.list {
		require.NoError(t, r.Error)
		hashes[r.RequestID] = r.Hash
	}
	require.Contains(t, hashes, "first")
	require.Contains(t, hashes, "second")
	for _, tx := range backend.sent {
		require.Contains(t, []common.Hash{hashes["first"], hashes["second"]}, tx.Hash())
	}
}

func TestSubmitSendErrorPublished(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("insufficient funds for gas")}
	w, _, got := newTestWallet(t, backend)
	_, err := w.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.Submit(context.Background(), "id", &tokens.Tx{}))
	w.Wait()
	require.Len(t, got.list, 1)
	require.Equal(t, "id", got.list[0].RequestID)
	require.Error(t, got.list[0].Error)
}

func TestSubmitBatchUnsupported(t *testing.T) {
	w, _, _ := newTestWallet(t, &fakeBackend{})
	require.ErrorIs(t, w.SubmitBatch(context.Background(), "id", nil), tokens.ErrSubmissionRejected)
}
