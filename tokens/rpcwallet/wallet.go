package rpcwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/onrik/ethrpc"

	"marketwallet/gl"
	"marketwallet/tokens"
)

// Wallet forwards transactions to an external wallet over JSON-RPC. The
// external wallet holds the key and signs; this side only sees hashes.
type Wallet struct {
	client    *ethrpc.EthRPC
	connector string
	chainId   *big.Int
	batch     bool
	bus       *tokens.ReceiptBus

	// DetectCount and DetectTime bound the wallet_getCallsStatus polling of a batch.
	DetectCount int
	DetectTime  time.Duration

	mtx     sync.RWMutex
	account common.Address

	wg sync.WaitGroup
}

func New(url, connector string, chainId *big.Int, batchCapable bool, bus *tokens.ReceiptBus) *Wallet {
	return &Wallet{
		client:      ethrpc.New(url),
		connector:   connector,
		chainId:     chainId,
		batch:       batchCapable,
		bus:         bus,
		DetectCount: 60,
		DetectTime:  2 * time.Second,
	}
}

func (w *Wallet) Connect(ctx context.Context) (common.Address, error) {
	accounts, err := w.accounts("eth_requestAccounts")
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, fmt.Errorf("eth_requestAccounts returned no account")
	}
	w.mtx.Lock()
	w.account = accounts[0]
	w.mtx.Unlock()
	return accounts[0], nil
}

func (w *Wallet) Disconnect() error {
	w.mtx.Lock()
	w.account = common.Address{}
	w.mtx.Unlock()
	return nil
}

// IsAuthorized reports whether connectorID is this wallet's connector and the
// connected account is still exposed by eth_accounts.
func (w *Wallet) IsAuthorized(ctx context.Context, connectorID string) (bool, error) {
	if connectorID != w.connector {
		return false, nil
	}
	account := w.Address()
	if account == (common.Address{}) {
		return false, nil
	}
	accounts, err := w.accounts("eth_accounts")
	if err != nil {
		return false, err
	}
	for _, a := range accounts {
		if a == account {
			return true, nil
		}
	}
	return false, nil
}

func (w *Wallet) Address() common.Address {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.account
}

func (w *Wallet) BatchCapable() bool {
	return w.batch
}

func (w *Wallet) Submit(ctx context.Context, requestID string, tx *tokens.Tx) error {
	from := w.Address()
	if from == (common.Address{}) {
		return tokens.ErrNotConnected
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		hash, err := w.sendTransaction(from, tx)
		if err != nil {
			gl.Error("eth_sendTransaction error. %s : %v", requestID, err)
		}
		w.bus.Publish(&tokens.Receipt{RequestID: requestID, Hash: hash, Error: err})
	}()
	return nil
}

// SubmitBatch sends txs as one wallet_sendCalls bundle and publishes the first
// transaction hash once wallet_getCallsStatus reports it.
func (w *Wallet) SubmitBatch(ctx context.Context, requestID string, txs []*tokens.Tx) error {
	if !w.batch {
		return fmt.Errorf("%w: connector %s can't send a batch", tokens.ErrSubmissionRejected, w.connector)
	}
	from := w.Address()
	if from == (common.Address{}) {
		return tokens.ErrNotConnected
	}
	if len(txs) == 0 {
		return fmt.Errorf("%w: empty batch", tokens.ErrSubmissionRejected)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		hash, err := w.sendCalls(from, txs)
		if err != nil {
			gl.Error("wallet_sendCalls error. %s : %v", requestID, err)
		}
		w.bus.Publish(&tokens.Receipt{RequestID: requestID, Hash: hash, Error: err})
	}()
	return nil
}

// Wait blocks until every background submission published its receipt.
func (w *Wallet) Wait() {
	w.wg.Wait()
}

func (w *Wallet) accounts(method string) ([]common.Address, error) {
	res, err := w.client.Call(method)
	if err != nil {
		return nil, fmt.Errorf("%s error. %v", method, err)
	}
	var list []string
	if err := json.Unmarshal(res, &list); err != nil {
		return nil, fmt.Errorf("unmarshal %s result error. %s, %v", method, string(res), err)
	}
	accounts := make([]common.Address, 0, len(list))
	for _, a := range list {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%s returned a bad address %s", method, a)
		}
		accounts = append(accounts, common.HexToAddress(a))
	}
	return accounts, nil
}

type txArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

func newTxArgs(from common.Address, tx *tokens.Tx) txArgs {
	args := txArgs{From: from, To: tx.To, Data: tx.Data}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		args.Value = (*hexutil.Big)(tx.Value)
	}
	return args
}

func (w *Wallet) sendTransaction(from common.Address, tx *tokens.Tx) (common.Hash, error) {
	res, err := w.client.Call("eth_sendTransaction", newTxArgs(from, tx))
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(res, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("unmarshal eth_sendTransaction result error. %s, %v", string(res), err)
	}
	return hash, nil
}

type call struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

type sendCallsParams struct {
	Version string         `json:"version"`
	ChainId *hexutil.Big   `json:"chainId"`
	From    common.Address `json:"from"`
	Calls   []call         `json:"calls"`
}

type callsStatus struct {
	Status   json.RawMessage `json:"status"`
	Receipts []struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipts"`
}

func (w *Wallet) sendCalls(from common.Address, txs []*tokens.Tx) (common.Hash, error) {
	params := sendCallsParams{Version: "1.0", ChainId: (*hexutil.Big)(w.chainId), From: from}
	for _, tx := range txs {
		a := newTxArgs(from, tx)
		params.Calls = append(params.Calls, call{To: a.To, Data: a.Data, Value: a.Value})
	}
	res, err := w.client.Call("wallet_sendCalls", params)
	if err != nil {
		return common.Hash{}, err
	}
	id, err := bundleID(res)
	if err != nil {
		return common.Hash{}, err
	}
	return w.detectCallsStatus(id)
}

// bundleID accepts both the bare string and the {"id": ...} result shapes.
func bundleID(res json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(res, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res, &obj); err != nil || obj.ID == "" {
		return "", fmt.Errorf("wallet_sendCalls result has no id. %s", string(res))
	}
	return obj.ID, nil
}

func (w *Wallet) detectCallsStatus(id string) (common.Hash, error) {
	for i := 0; i < w.DetectCount; i++ {
		res, err := w.client.Call("wallet_getCallsStatus", id)
		if err != nil {
			gl.Error("wallet_getCallsStatus error. %s : %v", id, err)
		} else {
			var status callsStatus
			if err := json.Unmarshal(res, &status); err != nil {
				return common.Hash{}, fmt.Errorf("unmarshal wallet_getCallsStatus result error. %s, %v", string(res), err)
			}
			if failed(status.Status) {
				return common.Hash{}, fmt.Errorf("calls bundle %s status %s", id, string(status.Status))
			}
			if len(status.Receipts) > 0 {
				return status.Receipts[0].TransactionHash, nil
			}
		}
		time.Sleep(w.DetectTime)
	}
	return common.Hash{}, fmt.Errorf("calls bundle %s not detected after %d tries", id, w.DetectCount)
}

// failed understands the string statuses of EIP-5792 v1 and the numeric codes
// of later versions, where 4xx and 5xx are failures.
func failed(status json.RawMessage) bool {
	var code int
	if err := json.Unmarshal(status, &code); err == nil {
		return code >= 400
	}
	var s string
	if err := json.Unmarshal(status, &s); err == nil {
		s = strings.ToUpper(s)
		return s == "FAILED" || s == "FAILURE" || s == "REVERTED"
	}
	return false
}
