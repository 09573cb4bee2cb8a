package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pborman/uuid"

	"marketwallet/encoder"
	"marketwallet/gl"
	"marketwallet/guard"
	"marketwallet/oracle"
	"marketwallet/tokens"
)

type State int

const (
	Idle State = iota
	Checking
	DirectSubmit
	AwaitingApprovalSubmission
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case DirectSubmit:
		return "direct-submit"
	case AwaitingApprovalSubmission:
		return "awaiting-approval-submission"
	}
	return "idle"
}

// PendingPayload is either None or AwaitingApproval.
type PendingPayload interface {
	isPending()
}

type None struct{}

// AwaitingApproval holds the intended call until the approval, sent with
// request id ApprovalRequest, is observed submitted.
type AwaitingApproval struct {
	ApprovalRequest string
	Intended        *tokens.Tx
}

func (None) isPending()             {}
func (AwaitingApproval) isPending() {}

// Request is one guarded attempt. Requirement is nil for operations that need
// no approval.
type Request struct {
	Operation   string
	Intended    *tokens.Tx
	Requirement *oracle.Requirement
}

const (
	phaseDirect    = "direct"
	phaseBatch     = "batch"
	phaseApproval  = "approval"
	phaseIntended  = "intended"
	phaseUnguarded = "unguarded"
)

// flight is a submission waiting for its receipt.
type flight struct {
	operation string
	phase     string
	guards    []string // released when the flight ends
	pending   PendingPayload
	task      *Task
}

// Sequencer decides between a direct submission and an approval followed by the
// intended transaction, and resumes the intended one when the approval receipt
// with the matching request id arrives.
type Sequencer struct {
	ctx    context.Context
	wallet tokens.Wallet
	oracle *oracle.Oracle
	guards *guard.Registry
	enc    *encoder.Encoder

	mtx     sync.Mutex
	flights map[string]*flight
	states  map[string]State
	pending map[string]AwaitingApproval

	unsubscribe func()
}

// New creates a sequencer listening to bus. ctx bounds the submissions made
// from receipts, after the caller of Execute returned.
func New(ctx context.Context, wallet tokens.Wallet, o *oracle.Oracle, guards *guard.Registry, enc *encoder.Encoder, bus *tokens.ReceiptBus) (*Sequencer, error) {
	s := &Sequencer{
		ctx:     ctx,
		wallet:  wallet,
		oracle:  o,
		guards:  guards,
		enc:     enc,
		flights: make(map[string]*flight),
		states:  make(map[string]State),
		pending: make(map[string]AwaitingApproval),
	}
	unsub, err := bus.Subscribe(s.onReceipt)
	if err != nil {
		return nil, fmt.Errorf("subscribe receipts error. %v", err)
	}
	s.unsubscribe = unsub
	return s, nil
}

func (s *Sequencer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Sequencer) State(operation string) State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.states[operation]
}

func (s *Sequencer) Pending(operation string) PendingPayload {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if p, ok := s.pending[operation]; ok {
		return p
	}
	return None{}
}

// InFlight returns how many submissions wait for a receipt.
func (s *Sequencer) InFlight() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.flights)
}

// Execute runs one attempt of req.Operation. It returns guard.ErrLocked when an
// attempt of the same operation is in flight. On any returned error every guard
// taken by the attempt is released.
func (s *Sequencer) Execute(ctx context.Context, req *Request) (*Task, error) {
	if req.Intended == nil {
		return nil, fmt.Errorf("%w: %s has no intended transaction", encoder.ErrEncoding, req.Operation)
	}
	if !s.guards.TryEnter(req.Operation) {
		return nil, fmt.Errorf("%w: %s", guard.ErrLocked, req.Operation)
	}
	held := []string{req.Operation}

	if req.Requirement == nil {
		return s.submit(ctx, req.Operation, phaseDirect, held, req.Intended)
	}

	s.setState(req.Operation, Checking)
	ok, err := s.oracle.Satisfied(ctx, req.Requirement)
	if err != nil {
		s.release(req.Operation, held)
		return nil, err
	}
	if ok {
		return s.submit(ctx, req.Operation, phaseDirect, held, req.Intended)
	}

	approval, err := req.Requirement.ApprovalTx(s.enc)
	if err != nil {
		s.release(req.Operation, held)
		return nil, err
	}
	approvalGuard := req.Requirement.GuardName()
	if !s.guards.TryEnter(approvalGuard) {
		s.release(req.Operation, held)
		return nil, fmt.Errorf("%w: %s", guard.ErrLocked, approvalGuard)
	}
	held = append(held, approvalGuard)

	if s.wallet.BatchCapable() {
		return s.submit(ctx, req.Operation, phaseBatch, held, approval, req.Intended)
	}
	return s.submitApproval(ctx, req.Operation, held, approval, req.Intended)
}

func (s *Sequencer) submit(ctx context.Context, op, phase string, held []string, txs ...*tokens.Tx) (*Task, error) {
	task := newTask(op)
	id := uuid.New()

	s.mtx.Lock()
	s.flights[id] = &flight{operation: op, phase: phase, guards: held, pending: None{}, task: task}
	s.states[op] = DirectSubmit
	s.mtx.Unlock()

	var err error
	if phase == phaseBatch {
		err = s.wallet.SubmitBatch(ctx, id, txs)
	} else {
		err = s.wallet.Submit(ctx, id, txs[0])
	}
	if err != nil {
		s.drop(id)
		s.release(op, held)
		gl.Journal(op, id, phase, "", err)
		return nil, rejected(op, phase, err)
	}
	gl.Journal(op, id, phase+"-sent", "", nil)
	return task, nil
}

// SubmitUnguarded sends tx without taking any guard, so attempts of op may
// overlap. The state of op is left alone.
func (s *Sequencer) SubmitUnguarded(ctx context.Context, op string, tx *tokens.Tx) (*Task, error) {
	task := newTask(op)
	id := uuid.New()

	s.mtx.Lock()
	s.flights[id] = &flight{operation: op, phase: phaseUnguarded, pending: None{}, task: task}
	s.mtx.Unlock()

	if err := s.wallet.Submit(ctx, id, tx); err != nil {
		s.drop(id)
		gl.Journal(op, id, phaseUnguarded, "", err)
		return nil, rejected(op, phaseUnguarded, err)
	}
	gl.Journal(op, id, phaseUnguarded+"-sent", "", nil)
	return task, nil
}

func (s *Sequencer) submitApproval(ctx context.Context, op string, held []string, approval, intended *tokens.Tx) (*Task, error) {
	task := newTask(op)
	id := uuid.New()
	pending := AwaitingApproval{ApprovalRequest: id, Intended: intended}

	s.mtx.Lock()
	s.flights[id] = &flight{operation: op, phase: phaseApproval, guards: held, pending: pending, task: task}
	s.pending[op] = pending
	s.states[op] = AwaitingApprovalSubmission
	s.mtx.Unlock()

	if err := s.wallet.Submit(ctx, id, approval); err != nil {
		s.drop(id)
		s.release(op, held)
		gl.Journal(op, id, phaseApproval, "", err)
		return nil, rejected(op, phaseApproval, err)
	}
	gl.Journal(op, id, phaseApproval+"-sent", "", nil)
	gl.Info("%s waits for approval %s", op, id)
	return task, nil
}

func (s *Sequencer) onReceipt(r *tokens.Receipt) {
	s.mtx.Lock()
	f, ok := s.flights[r.RequestID]
	delete(s.flights, r.RequestID)
	s.mtx.Unlock()
	if !ok {
		gl.Info("receipt of untracked request. %s : %s", r.RequestID, r.Hash.Hex())
		return
	}
	gl.Journal(f.operation, r.RequestID, f.phase, r.Hash.Hex(), r.Error)

	if r.Error != nil {
		gl.Error("%s %s transaction failed. %s : %v", f.operation, f.phase, r.RequestID, r.Error)
		s.clearPending(f)
		s.release(f.operation, f.guards)
		f.task.finish(rejected(f.operation, f.phase, r.Error))
		return
	}
	f.task.addHash(r.Hash)

	if p, ok := f.pending.(AwaitingApproval); ok {
		s.resume(f, p)
		return
	}
	s.release(f.operation, f.guards)
	f.task.finish(nil)
}

// resume dispatches the intended call of an approval that was observed submitted.
func (s *Sequencer) resume(f *flight, p AwaitingApproval) {
	id := uuid.New()
	s.mtx.Lock()
	s.flights[id] = &flight{operation: f.operation, phase: phaseIntended, pending: None{}, task: f.task}
	s.mtx.Unlock()

	err := s.wallet.Submit(s.ctx, id, p.Intended)
	s.clearPending(f)
	s.release(f.operation, f.guards)
	if err != nil {
		s.drop(id)
		gl.Journal(f.operation, id, phaseIntended, "", err)
		f.task.finish(rejected(f.operation, phaseIntended, err))
		return
	}
	gl.Journal(f.operation, id, phaseIntended+"-sent", "", nil)
	gl.Info("%s approval observed, intended transaction sent. %s", f.operation, id)
}

func (s *Sequencer) clearPending(f *flight) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if p, ok := s.pending[f.operation]; ok {
		if cur, ok := f.pending.(AwaitingApproval); ok && cur.ApprovalRequest == p.ApprovalRequest {
			delete(s.pending, f.operation)
		}
	}
}

func (s *Sequencer) drop(id string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if f, ok := s.flights[id]; ok {
		if p, ok := f.pending.(AwaitingApproval); ok && s.pending[f.operation].ApprovalRequest == p.ApprovalRequest {
			delete(s.pending, f.operation)
		}
		delete(s.flights, id)
	}
}

// release returns op to Idle and unlocks the guards. Flights that hold no guard
// (the intended call after an approval) leave the state alone.
func (s *Sequencer) release(op string, held []string) {
	if len(held) == 0 {
		return
	}
	s.setState(op, Idle)
	for i := len(held) - 1; i >= 0; i-- {
		s.guards.Unlock(held[i])
	}
}

func (s *Sequencer) setState(op string, state State) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.states[op] = state
}

func rejected(op, phase string, err error) error {
	if errors.Is(err, tokens.ErrSubmissionRejected) {
		return fmt.Errorf("%s %s : %w", op, phase, err)
	}
	return fmt.Errorf("%w: %s %s : %v", tokens.ErrSubmissionRejected, op, phase, err)
}

// Task is the awaitable outcome of one Execute.
type Task struct {
	Operation string

	once   sync.Once
	done   chan struct{}
	mtx    sync.Mutex
	hashes []common.Hash
	err    error
}

func newTask(op string) *Task {
	return &Task{Operation: op, done: make(chan struct{})}
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until every transaction of the task was observed submitted, or
// one failed. Hashes are in submission order: approval first.
func (t *Task) Wait(ctx context.Context) ([]common.Hash, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return t.Hashes(), ctx.Err()
	}
}

func (t *Task) Result() ([]common.Hash, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]common.Hash(nil), t.hashes...), t.err
}

func (t *Task) Hashes() []common.Hash {
	h, _ := t.Result()
	return h
}

func (t *Task) addHash(h common.Hash) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.hashes = append(t.hashes, h)
}

func (t *Task) finish(err error) {
	t.once.Do(func() {
		t.mtx.Lock()
		t.err = err
		t.mtx.Unlock()
		close(t.done)
	})
}
