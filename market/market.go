package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoOrdersFound is returned when the order book has no listing for a token.
var ErrNoOrdersFound = errors.New("no orders found")

// Order is an open marketplace request as returned by the query service.
type Order struct {
	OrderID                   string `json:"orderId"`
	CollectionContractAddress string `json:"collectionContractAddress"`
	TokenID                   string `json:"tokenId"`
	IsListing                 bool   `json:"isListing"`
	Quantity                  string `json:"quantity"`
	QuantityRemaining         string `json:"quantityRemaining"`
	CurrencyAddress           string `json:"currencyAddress"`
	PricePerToken             string `json:"pricePerToken"`
	Expiry                    string `json:"expiry"`
	OrderStatus               string `json:"orderStatus"`
	CreatedBy                 string `json:"createdBy"`
	OrderbookContractAddress  string `json:"orderbookContractAddress"`
}

// Price returns pricePerToken in the currency's smallest unit.
func (o *Order) Price() (*big.Int, error) {
	p, ok := new(big.Int).SetString(o.PricePerToken, 10)
	if !ok || p.Sign() < 0 {
		return nil, fmt.Errorf("order %s price is not valid. %s", o.OrderID, o.PricePerToken)
	}
	return p, nil
}

// ID returns the on-chain request id of the order.
func (o *Order) ID() (*big.Int, error) {
	id, ok := new(big.Int).SetString(o.OrderID, 10)
	if !ok {
		return nil, fmt.Errorf("order id is not valid. %s", o.OrderID)
	}
	return id, nil
}

type topOrdersRequest struct {
	CollectionAddress        string   `json:"collectionAddress"`
	CurrencyAddresses        []string `json:"currencyAddresses"`
	OrderbookContractAddress string   `json:"orderbookContractAddress"`
	TokenIDs                 []string `json:"tokenIDs"`
	IsListing                bool     `json:"isListing"`
	PriceSort                string   `json:"priceSort"`
}

type topOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

// Client queries the order book of one collection, settled in one currency.
type Client struct {
	url        string
	collection common.Address
	currency   common.Address
	orderbook  common.Address
	http       *http.Client
}

func NewClient(url string, collection, currency, orderbook common.Address) *Client {
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		collection: collection,
		currency:   currency,
		orderbook:  orderbook,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// GetTopOrders returns the open listings of the tokens, sorted by the service in
// descending price.
func (c *Client) GetTopOrders(ctx context.Context, tokenIDs ...string) ([]*Order, error) {
	body, _ := json.Marshal(topOrdersRequest{
		CollectionAddress:        strings.ToLower(c.collection.Hex()),
		CurrencyAddresses:        []string{strings.ToLower(c.currency.Hex())},
		OrderbookContractAddress: c.orderbook.Hex(),
		TokenIDs:                 tokenIDs,
		IsListing:                true,
		PriceSort:                "DESC",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/rpc/Marketplace/GetTopOrders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GetTopOrders request error. %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GetTopOrders read body error. %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GetTopOrders status %d. %s", resp.StatusCode, string(data))
	}
	var res topOrdersResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("GetTopOrders unmarshal error. %v", err)
	}
	return res.Orders, nil
}

// GetBestOrder returns the highest priced listing of tokenID.
func (c *Client) GetBestOrder(ctx context.Context, tokenID string) (*Order, error) {
	orders, err := c.GetTopOrders(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return BestOrder(orders)
}

// BestOrder picks the order with the numerically highest price. The service sort
// is not trusted: prices are decimal strings and would sort lexically elsewhere.
func BestOrder(orders []*Order) (*Order, error) {
	var best *Order
	var bestPrice *big.Int
	for _, o := range orders {
		if o == nil {
			continue
		}
		p, err := o.Price()
		if err != nil {
			return nil, err
		}
		if best == nil || p.Cmp(bestPrice) > 0 {
			best, bestPrice = o, p
		}
	}
	if best == nil {
		return nil, ErrNoOrdersFound
	}
	return best, nil
}
