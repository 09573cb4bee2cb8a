package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"marketwallet/encoder"
	"marketwallet/guard"
	"marketwallet/oracle"
	"marketwallet/tokens"
)

var (
	owner       = common.HexToAddress("0x45ae5c97D8e6598a693F6859847ca1e93b63d14e")
	marketplace = common.HexToAddress("0xB537a160472183f2150d42EB1c3DD6684A55f74c")
	usdc        = common.HexToAddress("0x75faf114eafb1bdbe2f0316df893fd58ce46aa4d")
	collection  = common.HexToAddress("0x1693ffc74edbb50d6138517fe5cd64fd1c917709")
)

type submission struct {
	id    string
	txs   []*tokens.Tx
	batch bool
}

// fakeWallet records submissions. Receipts are published by the test, or from a
// goroutine when async is set, never from inside Submit.
type fakeWallet struct {
	mtx    sync.Mutex
	batch  bool
	reject error
	subs   []submission

	async *tokens.ReceiptBus
	wg    sync.WaitGroup
}

func (w *fakeWallet) Connect(ctx context.Context) (common.Address, error) { return owner, nil }
func (w *fakeWallet) Disconnect() error                                   { return nil }
func (w *fakeWallet) IsAuthorized(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (w *fakeWallet) Address() common.Address { return owner }
func (w *fakeWallet) BatchCapable() bool      { return w.batch }

func (w *fakeWallet) Submit(ctx context.Context, id string, tx *tokens.Tx) error {
	return w.record(submission{id: id, txs: []*tokens.Tx{tx}})
}

func (w *fakeWallet) SubmitBatch(ctx context.Context, id string, txs []*tokens.Tx) error {
	return w.record(submission{id: id, txs: txs, batch: true})
}

func (w *fakeWallet) record(s submission) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.reject != nil {
		return w.reject
	}
	w.subs = append(w.subs, s)
	if w.async != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.async.Publish(&tokens.Receipt{RequestID: s.id, Hash: hashOf(s.id)})
		}()
	}
	return nil
}

func (w *fakeWallet) submissions() []submission {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]submission(nil), w.subs...)
}

func (w *fakeWallet) last(t require.TestingT) submission {
	subs := w.submissions()
	require.NotEmpty(t, subs)
	return subs[len(subs)-1]
}

type fakeReader struct {
	mtx       sync.Mutex
	allowance *big.Int
	approved  bool
	err       error
}

func (f *fakeReader) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.allowance, f.err
}

func (f *fakeReader) ReadOperatorApproval(ctx context.Context, collection, owner, operator common.Address) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.approved, f.err
}

func (f *fakeReader) ReadTokenBalances(ctx context.Context, contract, account common.Address) ([]tokens.Balance, error) {
	return nil, f.err
}

func hashOf(id string) common.Hash {
	return crypto.Keccak256Hash([]byte(id))
}

type fixture struct {
	wallet *fakeWallet
	reader *fakeReader
	guards *guard.Registry
	bus    *tokens.ReceiptBus
	seq    *Sequencer
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		wallet: &fakeWallet{},
		reader: &fakeReader{allowance: new(big.Int)},
		guards: guard.NewRegistry(),
		bus:    tokens.NewReceiptBus(),
	}
	var err error
	f.seq, err = New(context.Background(), f.wallet, oracle.New(f.reader), f.guards, encoder.Default(), f.bus)
	require.NoError(t, err)
	t.Cleanup(f.seq.Close)
	return f
}

func (f *fixture) receipt(id string) common.Hash {
	h := hashOf(id)
	f.bus.Publish(&tokens.Receipt{RequestID: id, Hash: h})
	return h
}

func acceptTx(t require.TestingT, requestID int64) *tokens.Tx {
	data, err := encoder.Default().AcceptRequest(big.NewInt(requestID), big.NewInt(1), owner, nil, nil)
	require.NoError(t, err)
	return &tokens.Tx{To: marketplace, Data: data}
}

func buyRequest(t require.TestingT, required int64) *Request {
	return &Request{
		Operation: guard.Buy,
		Intended:  acceptTx(t, 7),
		Requirement: &oracle.Requirement{
			Owner: owner, Spender: marketplace, Kind: oracle.Fungible, Contract: usdc, Amount: big.NewInt(required),
		},
	}
}

func sellRequest(t require.TestingT) *Request {
	data, err := encoder.Default().CreateRequest(encoder.RequestParams{
		IsListing: true, IsERC1155: true, TokenContract: collection, TokenId: big.NewInt(1),
		Quantity: big.NewInt(1), Expiry: big.NewInt(1700000000), Currency: usdc, PricePerToken: big.NewInt(10000),
	})
	require.NoError(t, err)
	return &Request{
		Operation:   guard.Sell,
		Intended:    &tokens.Tx{To: marketplace, Data: data},
		Requirement: &oracle.Requirement{Owner: owner, Spender: marketplace, Kind: oracle.Collection, Contract: collection},
	}
}

func done(t *testing.T, task *Task) ([]common.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case <-task.Done():
	case <-ctx.Done():
		t.Fatal("task did not finish")
	}
	return task.Wait(ctx)
}

func TestDirectSubmitWithoutRequirement(t *testing.T) {
	f := newFixture(t)
	data, err := encoder.Default().Mint(owner, big.NewInt(1), big.NewInt(1), []byte{0})
	require.NoError(t, err)

	task, err := f.seq.Execute(context.Background(), &Request{Operation: guard.Mint, Intended: &tokens.Tx{To: collection, Data: data}})
	require.NoError(t, err)
	require.True(t, f.guards.IsLocked(guard.Mint))
	require.Equal(t, DirectSubmit, f.seq.State(guard.Mint))

	_, err = f.seq.Execute(context.Background(), &Request{Operation: guard.Mint, Intended: &tokens.Tx{To: collection, Data: data}})
	require.ErrorIs(t, err, guard.ErrLocked)
	require.Len(t, f.wallet.submissions(), 1)

	h := f.receipt(f.wallet.last(t).id)
	hashes, err := done(t, task)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{h}, hashes)
	require.False(t, f.guards.IsLocked(guard.Mint))
	require.Equal(t, Idle, f.seq.State(guard.Mint))
	require.Zero(t, f.seq.InFlight())
}

func TestSubmitUnguardedOverlaps(t *testing.T) {
	f := newFixture(t)
	tx := &tokens.Tx{To: collection, Data: []byte{1}}

	first, err := f.seq.SubmitUnguarded(context.Background(), guard.Mint, tx)
	require.NoError(t, err)
	second, err := f.seq.SubmitUnguarded(context.Background(), guard.Mint, tx)
	require.NoError(t, err)
	require.False(t, f.guards.IsLocked(guard.Mint))
	require.Equal(t, Idle, f.seq.State(guard.Mint))
	require.Equal(t, 2, f.seq.InFlight())

	subs := f.wallet.submissions()
	require.Len(t, subs, 2)
	f.receipt(subs[1].id)
	f.receipt(subs[0].id)
	_, err = done(t, first)
	require.NoError(t, err)
	_, err = done(t, second)
	require.NoError(t, err)
	require.Equal(t, Idle, f.seq.State(guard.Mint))
}

func TestAllowanceBoundary(t *testing.T) {
	for _, c := range []struct {
		allowance int64
		state     State
	}{
		{9, AwaitingApprovalSubmission},
		{10, DirectSubmit},
		{11, DirectSubmit},
	} {
		f := newFixture(t)
		f.reader.allowance = big.NewInt(c.allowance)

		_, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
		require.NoError(t, err)
		require.Equal(t, c.state, f.seq.State(guard.Buy), "allowance %d", c.allowance)

		sub := f.wallet.last(t)
		if c.state == DirectSubmit {
			require.Equal(t, acceptTx(t, 7), sub.txs[0])
			require.Equal(t, None{}, f.seq.Pending(guard.Buy))
		} else {
			require.Equal(t, usdc, sub.txs[0].To)
			require.IsType(t, AwaitingApproval{}, f.seq.Pending(guard.Buy))
		}
	}
}

func TestTwoPhaseEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.reader.allowance = big.NewInt(0)
	req := buyRequest(t, 10)

	task, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)

	// approve(marketplace, MAX) goes first
	approval := f.wallet.last(t)
	require.Len(t, approval.txs, 1)
	require.Equal(t, usdc, approval.txs[0].To)
	args, err := encoder.Default().Decode(encoder.SigApprove, approval.txs[0].Data)
	require.NoError(t, err)
	require.Equal(t, marketplace, args[0])
	require.Equal(t, 0, math.MaxBig256.Cmp(args[1].(*big.Int)))

	require.Equal(t, AwaitingApprovalSubmission, f.seq.State(guard.Buy))
	require.Equal(t, AwaitingApproval{ApprovalRequest: approval.id, Intended: req.Intended}, f.seq.Pending(guard.Buy))
	require.True(t, f.guards.IsLocked(guard.Buy))
	require.True(t, f.guards.IsLocked(guard.ApproveERC20))

	approvalHash := f.receipt(approval.id)

	// the stored acceptRequest payload follows, and every guard is free again
	intended := f.wallet.last(t)
	require.NotEqual(t, approval.id, intended.id)
	require.Equal(t, req.Intended, intended.txs[0])
	require.Equal(t, None{}, f.seq.Pending(guard.Buy))
	require.Equal(t, Idle, f.seq.State(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.ApproveERC20))

	select {
	case <-task.Done():
		t.Fatal("task finished before the intended receipt")
	default:
	}
	intendedHash := f.receipt(intended.id)
	hashes, err := done(t, task)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{approvalHash, intendedHash}, hashes)
	require.Len(t, f.wallet.submissions(), 2)
}

func TestCollectionApprovalTwoPhase(t *testing.T) {
	f := newFixture(t)
	req := sellRequest(t)

	_, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	approval := f.wallet.last(t)
	require.Equal(t, collection, approval.txs[0].To)
	_, err = encoder.Default().Decode(encoder.SigSetApprovalForAll, approval.txs[0].Data)
	require.NoError(t, err)
	require.True(t, f.guards.IsLocked(guard.ApproveERC1155))

	f.receipt(approval.id)
	require.Equal(t, req.Intended, f.wallet.last(t).txs[0])

	// approval now present: the next sell goes direct
	f.reader.approved = true
	_, err = f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, DirectSubmit, f.seq.State(guard.Sell))
	require.Equal(t, req.Intended, f.wallet.last(t).txs[0])
}

func TestBatchCapableWallet(t *testing.T) {
	f := newFixture(t)
	f.wallet.batch = true
	req := buyRequest(t, 10)

	task, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	sub := f.wallet.last(t)
	require.True(t, sub.batch)
	require.Len(t, sub.txs, 2)
	require.Equal(t, usdc, sub.txs[0].To)
	require.Equal(t, req.Intended, sub.txs[1])
	require.Equal(t, DirectSubmit, f.seq.State(guard.Buy))
	require.Equal(t, None{}, f.seq.Pending(guard.Buy))

	h := f.receipt(sub.id)
	hashes, err := done(t, task)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{h}, hashes)
	require.Len(t, f.wallet.submissions(), 1)
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.ApproveERC20))
}

func TestReceiptsCorrelateByRequestID(t *testing.T) {
	f := newFixture(t)
	buy := buyRequest(t, 10)
	sell := sellRequest(t)

	_, err := f.seq.Execute(context.Background(), buy)
	require.NoError(t, err)
	buyApproval := f.wallet.last(t)
	_, err = f.seq.Execute(context.Background(), sell)
	require.NoError(t, err)
	sellApproval := f.wallet.last(t)

	// an unrelated hash resumes nothing
	f.bus.Publish(&tokens.Receipt{RequestID: "unknown", Hash: common.HexToHash("0x01")})
	require.Len(t, f.wallet.submissions(), 2)

	// receipts arrive in reverse order and each resumes its own payload
	f.receipt(sellApproval.id)
	require.Equal(t, sell.Intended, f.wallet.last(t).txs[0])
	require.IsType(t, AwaitingApproval{}, f.seq.Pending(guard.Buy))

	f.receipt(buyApproval.id)
	require.Equal(t, buy.Intended, f.wallet.last(t).txs[0])
	require.Equal(t, None{}, f.seq.Pending(guard.Buy))
}

func TestClosingAnotherSequencerKeepsReceipts(t *testing.T) {
	f := newFixture(t)
	other, err := New(context.Background(), &fakeWallet{}, oracle.New(f.reader), guard.NewRegistry(), encoder.Default(), f.bus)
	require.NoError(t, err)
	other.Close()

	task, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.NoError(t, err)
	approval := f.wallet.last(t)
	f.receipt(approval.id)

	intended := f.wallet.last(t)
	require.NotEqual(t, approval.id, intended.id, "intended call sent after the approval receipt")
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.ApproveERC20))

	f.receipt(intended.id)
	_, err = done(t, task)
	require.NoError(t, err)
}

func TestQueryErrorReleasesGuard(t *testing.T) {
	f := newFixture(t)
	f.reader.err = errors.New("node down")

	_, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.ErrorIs(t, err, oracle.ErrProviderQuery)
	require.Empty(t, f.wallet.submissions(), "a failed query never approves")
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.Equal(t, Idle, f.seq.State(guard.Buy))
}

func TestSubmitRejectedReleasesGuard(t *testing.T) {
	f := newFixture(t)
	f.wallet.reject = errors.New("user closed the wallet")

	_, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.ErrorIs(t, err, tokens.ErrSubmissionRejected)
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.ApproveERC20))
	require.Equal(t, None{}, f.seq.Pending(guard.Buy))
	require.Zero(t, f.seq.InFlight())
}

func TestFailedApprovalReceiptDiscardsPending(t *testing.T) {
	f := newFixture(t)

	task, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.NoError(t, err)
	approval := f.wallet.last(t)

	f.bus.Publish(&tokens.Receipt{RequestID: approval.id, Error: errors.New("replacement underpriced")})
	_, err = done(t, task)
	require.ErrorIs(t, err, tokens.ErrSubmissionRejected)
	require.Len(t, f.wallet.submissions(), 1, "intended call is never sent")
	require.Equal(t, None{}, f.seq.Pending(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.False(t, f.guards.IsLocked(guard.ApproveERC20))
}

func TestIntendedRejectedAfterApproval(t *testing.T) {
	f := newFixture(t)

	task, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.NoError(t, err)
	approval := f.wallet.last(t)

	f.wallet.reject = errors.New("nonce too low")
	f.receipt(approval.id)
	_, err = done(t, task)
	require.ErrorIs(t, err, tokens.ErrSubmissionRejected)
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.Zero(t, f.seq.InFlight())
}

func TestApprovalGuardBusy(t *testing.T) {
	f := newFixture(t)
	f.guards.Lock(guard.ApproveERC20)

	_, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.ErrorIs(t, err, guard.ErrLocked)
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.Empty(t, f.wallet.submissions())
}

func TestAsyncWallet(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t)
	f.wallet.async = f.bus

	task, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
	require.NoError(t, err)
	hashes, err := done(t, task)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	f.wallet.wg.Wait()
	require.False(t, f.guards.IsLocked(guard.Buy))
	require.Zero(t, f.seq.InFlight())
}

func TestConcurrentTriggersAdmitOne(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	var mtx sync.Mutex
	admitted, busy := 0, 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
			mtx.Lock()
			defer mtx.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, guard.ErrLocked) {
				busy++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, admitted)
	require.Equal(t, 31, busy)
	require.Len(t, f.wallet.submissions(), 1)
}

func TestDecisionIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		required := rapid.Int64Range(1, 1<<40).Draw(rt, "required").(int64)
		delta := rapid.Int64Range(-required, 1<<20).Draw(rt, "delta").(int64)

		f := newFixture(t)
		f.reader.allowance = big.NewInt(required + delta)
		if _, err := f.seq.Execute(context.Background(), buyRequest(t, required)); err != nil {
			rt.Fatalf("Execute error. %v", err)
		}
		want := DirectSubmit
		if delta < 0 {
			want = AwaitingApprovalSubmission
		}
		if got := f.seq.State(guard.Buy); got != want {
			rt.Fatalf("allowance %d required %d: state %s, want %s", required+delta, required, got, want)
		}
	})
}

// Every attempt, whatever fails, ends with all guards unlocked.
func TestNoStuckGuard(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		queryFails := rapid.Bool().Draw(rt, "queryFails").(bool)
		approved := rapid.Bool().Draw(rt, "approved").(bool)
		submitFails := rapid.Bool().Draw(rt, "submitFails").(bool)
		receiptFails := rapid.Bool().Draw(rt, "receiptFails").(bool)
		f.wallet.batch = rapid.Bool().Draw(rt, "batch").(bool)

		if queryFails {
			f.reader.err = errors.New("query")
		}
		if approved {
			f.reader.allowance = big.NewInt(100)
		}
		if submitFails {
			f.wallet.reject = errors.New("rejected")
		}

		task, err := f.seq.Execute(context.Background(), buyRequest(t, 10))
		for err == nil && f.seq.InFlight() > 0 {
			sub := f.wallet.last(rt)
			if receiptFails {
				f.bus.Publish(&tokens.Receipt{RequestID: sub.id, Error: fmt.Errorf("failed")})
			} else {
				f.receipt(sub.id)
			}
		}
		if task != nil {
			<-task.Done()
		}
		for name, locked := range f.guards.Snapshot() {
			if locked {
				rt.Fatalf("guard %s stuck", name)
			}
		}
		if _, ok := f.seq.Pending(guard.Buy).(None); !ok {
			rt.Fatalf("pending payload left behind")
		}
	})
}
