package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/term"

	"marketwallet/config"
	"marketwallet/gl"
	"marketwallet/indexer"
	"marketwallet/market"
	"marketwallet/server"
	"marketwallet/tokens"
	"marketwallet/tokens/evm"
	"marketwallet/tokens/rpcwallet"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the app with the configured wallet.
// The returned func releases the node connection.
func setup(ctx context.Context) (*server.App, func(), error) {
	if err := config.Load(cfgFile); err != nil {
		return nil, nil, err
	}
	if config.Wallet.Type == config.WalletKeystore && config.Wallet.Password == "" {
		pwd, err := readPassword("keystore password: ")
		if err != nil {
			return nil, nil, err
		}
		config.Wallet.Password = pwd
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	gl.GasLimit = config.Chain.GasLimit

	client, err := ethclient.DialContext(ctx, config.NodeURL())
	if err != nil {
		return nil, nil, fmt.Errorf("dial node error. %v", err)
	}
	bus := tokens.NewReceiptBus()
	balances := indexer.NewClient(config.Chain.IndexerUrl, config.AccessKey)
	reader := evm.NewReader(client, balances)

	wallet, err := newWallet(client, bus)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	orders := market.NewClient(config.Market.Url,
		common.HexToAddress(config.Contracts.Collection),
		common.HexToAddress(config.Contracts.Currency),
		common.HexToAddress(config.Contracts.Marketplace))

	app, err := server.NewApp(ctx, wallet, reader, orders, bus)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return app, func() {
		app.Close()
		client.Close()
	}, nil
}

func newWallet(client *ethclient.Client, bus *tokens.ReceiptBus) (tokens.Wallet, error) {
	chainId := big.NewInt(config.Chain.ID)
	if config.Wallet.Type == config.WalletRPC {
		w := rpcwallet.New(config.Wallet.RpcUrl, config.Wallet.Connector, chainId,
			config.Wallet.Connector == config.Wallet.BatchConnector, bus)
		w.DetectCount = config.Wallet.DetectCount
		w.DetectTime = config.Wallet.DetectTime * time.Second
		return w, nil
	}
	keyjson, err := os.ReadFile(config.Wallet.KeyStore)
	if err != nil {
		return nil, fmt.Errorf("read keystore file error. %v", err)
	}
	return evm.NewKeystoreWallet(client, chainId, keyjson, config.Wallet.Password, bus), nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	pwd, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password error. %v", err)
	}
	return string(pwd), nil
}
