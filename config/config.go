package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

var (
	Env       string
	AccessKey string
	Chain     ChainConfig
	Contracts ContractConfig
	Wallet    WalletConfig
	Server    ServerConfig
	Market    MarketConfig
)

func init() {
	setDefaults()
}

// Load load config file, then apply the environment overrides
func Load(path string) error {
	type AllConfig struct {
		Env       string
		AccessKey string
		Chain     ChainConfig
		Contracts ContractConfig
		Wallet    WalletConfig
		Server    ServerConfig
		Market    MarketConfig
	}
	setDefaults()
	all := &AllConfig{
		Env:       Env,
		AccessKey: AccessKey,
		Chain:     Chain,
		Contracts: Contracts,
		Wallet:    Wallet,
		Server:    Server,
		Market:    Market,
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, all); err != nil {
			return fmt.Errorf("decode config file error. %s : %v", path, err)
		}
	}

	Env = all.Env
	AccessKey = all.AccessKey
	Chain = all.Chain
	Contracts = all.Contracts
	Wallet = all.Wallet
	Server = all.Server
	Market = all.Market

	return loadEnv()
}

func loadEnv() error {
	if v, ok := os.LookupEnv("PROJECT_ACCESSKEY"); ok {
		AccessKey = v
	}
	if v, ok := os.LookupEnv("CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID is not a number. %s", v)
		}
		Chain.ID = id
	}
	if v, ok := os.LookupEnv("COLLECTION_CONTRACT"); ok {
		Contracts.Collection = v
	}
	if v, ok := os.LookupEnv("MARKETPLACE_CONTRACT"); ok {
		Contracts.Marketplace = v
	}
	if v, ok := os.LookupEnv("CURRENCY_CONTRACT"); ok {
		Contracts.Currency = v
	}
	if v, ok := os.LookupEnv("KEYSTORE_PASSWORD"); ok {
		Wallet.Password = v
	}
	return nil
}

// Validate checks the values the core can not run without.
func Validate() error {
	if AccessKey == "" {
		return fmt.Errorf("access key is empty, set PROJECT_ACCESSKEY")
	}
	if Chain.ID <= 0 {
		return fmt.Errorf("chain id is not valid. %d", Chain.ID)
	}
	for name, addr := range map[string]string{
		"collection":  Contracts.Collection,
		"marketplace": Contracts.Marketplace,
		"currency":    Contracts.Currency,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s contract address is not valid. %s", name, addr)
		}
	}
	switch Wallet.Type {
	case WalletKeystore:
		if Wallet.KeyStore == "" {
			return fmt.Errorf("keystore wallet needs a keystore file")
		}
	case WalletRPC:
		if Wallet.RpcUrl == "" {
			return fmt.Errorf("rpc wallet needs a rpc url")
		}
	default:
		return fmt.Errorf("wallet type don't support. %s", Wallet.Type)
	}
	return nil
}

// NodeURL is the chain json-rpc endpoint, authorized by the access key.
func NodeURL() string {
	return Chain.NodeUrl + "/" + AccessKey
}

func setDefaults() {
	Env = "testnet"
	AccessKey = ""
	Chain = ChainConfig{
		ID:         421614,
		Name:       "arbitrum-sepolia",
		NodeUrl:    "https://nodes.sequence.app/arbitrum-sepolia",
		IndexerUrl: "https://arbitrum-sepolia-indexer.sequence.app",
		GasLimit:   300000,
	}
	Contracts = ContractConfig{
		Collection:       "0x1693ffc74edbb50d6138517fe5cd64fd1c917709",
		Marketplace:      "0xB537a160472183f2150d42EB1c3DD6684A55f74c",
		Currency:         "0x75faf114eafb1bdbe2f0316df893fd58ce46aa4d",
		CurrencyDecimals: 6,
	}
	Wallet = WalletConfig{
		Type:           WalletKeystore,
		Connector:      "keystore",
		BatchConnector: "sequence",
		DetectCount:    60,
		DetectTime:     2,
	}
	Server = ServerConfig{
		Listen:      "127.0.0.1:8080",
		WaitTimeout: 120,
	}
	Market = MarketConfig{
		Url: "https://dev-marketplace-api.sequence.app/arbitrum-sepolia",
	}
}

const (
	WalletKeystore = "keystore"
	WalletRPC      = "rpc"
)

type ChainConfig struct {
	ID         int64
	Name       string
	NodeUrl    string
	IndexerUrl string
	GasLimit   uint64
}

type ContractConfig struct {
	Collection       string
	Marketplace      string
	Currency         string
	CurrencyDecimals int
}

type WalletConfig struct {
	Type           string // "keystore" or "rpc"
	KeyStore       string
	Password       string
	RpcUrl         string
	Connector      string
	BatchConnector string        // connector id of the wallet that can send atomic call batches
	DetectCount    int           // how many times to poll a batch status
	DetectTime     time.Duration // seconds between two polls
}

type ServerConfig struct {
	Listen      string
	WaitTimeout time.Duration // seconds, how long a request waits for its task
}

type MarketConfig struct {
	Url string
}
