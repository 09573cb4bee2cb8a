package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketwallet/tokens"
)

// Client reads token balances from the chain indexer.
type Client struct {
	url       string
	accessKey string
	http      *http.Client
}

func NewClient(url, accessKey string) *Client {
	return &Client{
		url:       strings.TrimSuffix(url, "/"),
		accessKey: accessKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type balancesRequest struct {
	ContractAddress string `json:"contractAddress"`
	AccountAddress  string `json:"accountAddress"`
	IncludeMetadata bool   `json:"includeMetadata"`
}

type balanceRecord struct {
	ContractAddress string `json:"contractAddress"`
	AccountAddress  string `json:"accountAddress"`
	TokenID         string `json:"tokenID"`
	Balance         string `json:"balance"`
}

type balancesResponse struct {
	Balances []balanceRecord `json:"balances"`
}

// GetTokenBalances returns every balance record of account for contract.
func (c *Client) GetTokenBalances(ctx context.Context, contract, account common.Address) ([]tokens.Balance, error) {
	body, _ := json.Marshal(balancesRequest{
		ContractAddress: contract.Hex(),
		AccountAddress:  account.Hex(),
		IncludeMetadata: true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/rpc/Indexer/GetTokenBalances", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", c.accessKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GetTokenBalances request error. %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GetTokenBalances read body error. %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GetTokenBalances status %d. %s", resp.StatusCode, string(data))
	}

	var res balancesResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("GetTokenBalances unmarshal error. %v", err)
	}
	balances := make([]tokens.Balance, 0, len(res.Balances))
	for _, r := range res.Balances {
		amount, ok := new(big.Int).SetString(r.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("balance is not a number. %s : %s", r.ContractAddress, r.Balance)
		}
		balances = append(balances, tokens.Balance{
			ContractAddress: common.HexToAddress(r.ContractAddress),
			Balance:         amount,
		})
	}
	return balances, nil
}
