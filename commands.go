package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"marketwallet/config"
	"marketwallet/daemon"
	"marketwallet/gl"
	"marketwallet/market"
	"marketwallet/sequencer"
	"marketwallet/server"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "marketwallet",
		Short:        "Mint, transfer, list and buy collection tokens on the marketplace",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "toml config file (defaults target arbitrum-sepolia)")

	root.AddCommand(
		newServeCmd(),
		newMintCmd(),
		newTransferCmd(),
		newSellCmd(),
		newBuyCmd(),
		newTopOrderCmd(),
		newKeyCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				if err := detach(); err != nil {
					return err
				}
			}
			gl.CreateLogFiles()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			app, closeFn, err := setup(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			if _, err := app.Connect(ctx); err != nil {
				return err
			}

			errC := make(chan error, 1)
			go func() {
				errC <- server.ListenAndServe(ctx, app)
			}()
			sigC := make(chan os.Signal, 1)
			go func() {
				sigC <- daemon.WaitForKill()
			}()
			select {
			case err := <-errC:
				return err
			case s := <-sigC:
				gl.Info("process stop. %v : %d", s, os.Getpid())
				cancel()
				return <-errC
			}
		},
	}
	cmd.Flags().BoolVarP(&background, "daemon", "d", false, "run in the background under a supervisor")
	return cmd
}

// detach asks for the keystore password while a terminal is attached, hands it
// to the background child through the environment, then forks.
func detach() error {
	if err := config.Load(cfgFile); err != nil {
		return err
	}
	if config.Wallet.Type == config.WalletKeystore && config.Wallet.Password == "" {
		pwd, err := readPassword("keystore password: ")
		if err != nil {
			return err
		}
		os.Setenv("KEYSTORE_PASSWORD", pwd)
	}
	if err := os.MkdirAll("./logs", os.ModePerm); err != nil {
		return err
	}
	daemon.NewSupervisor("logs/daemon.log").Run()
	return nil
}

// runTask connects the wallet, runs one operation and waits for its hashes.
func runTask(op func(ctx context.Context, app *server.App) (*sequencer.Task, error)) error {
	ctx := context.Background()
	app, closeFn, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if _, err := app.Connect(ctx); err != nil {
		return err
	}

	task, err := op(ctx, app)
	if err != nil {
		if server.IsBlocking(err) {
			fmt.Println(err)
			return nil
		}
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, config.Server.WaitTimeout*time.Second)
	defer cancel()
	hashes, err := task.Wait(waitCtx)
	for _, h := range hashes {
		fmt.Println(h.Hex())
	}
	return err
}

func bigFlag(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not an unsigned integer. %s", s)
	}
	return n, nil
}

func newMintCmd() *cobra.Command {
	var tokenID, amount string
	var unguarded bool
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a collection token to the connected account",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bigFlag(tokenID)
			if err != nil {
				return err
			}
			n, err := bigFlag(amount)
			if err != nil {
				return err
			}
			return runTask(func(ctx context.Context, app *server.App) (*sequencer.Task, error) {
				if unguarded {
					return app.MintUnguarded(ctx, id, n)
				}
				return app.Mint(ctx, id, n)
			})
		},
	}
	cmd.Flags().StringVar(&tokenID, "token-id", "", "token id, random 0-5 when empty")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, 1 when empty")
	cmd.Flags().BoolVar(&unguarded, "unguarded", false, "skip the mint guard")
	return cmd
}

func newTransferCmd() *cobra.Command {
	var to, tokenID, amount string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer collection tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var toAddr common.Address
			if to != "" {
				if !common.IsHexAddress(to) {
					return fmt.Errorf("to is not an address. %s", to)
				}
				toAddr = common.HexToAddress(to)
			}
			id, err := bigFlag(tokenID)
			if err != nil {
				return err
			}
			n, err := bigFlag(amount)
			if err != nil {
				return err
			}
			return runTask(func(ctx context.Context, app *server.App) (*sequencer.Task, error) {
				return app.Transfer(ctx, toAddr, id, n)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient, the connected account when empty")
	cmd.Flags().StringVar(&tokenID, "token-id", "", "token id, random 0-5 when empty")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, 1 when empty")
	return cmd
}

func newSellCmd() *cobra.Command {
	var tokenID, quantity, price string
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "sell",
		Short: "List collection tokens on the marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := server.SellParams{Price: price}
			var err error
			if p.TokenID, err = bigFlag(tokenID); err != nil {
				return err
			}
			if p.Quantity, err = bigFlag(quantity); err != nil {
				return err
			}
			if expiry > 0 {
				p.Expiry = time.Now().Add(expiry)
			}
			return runTask(func(ctx context.Context, app *server.App) (*sequencer.Task, error) {
				return app.Sell(ctx, p)
			})
		},
	}
	cmd.Flags().StringVar(&tokenID, "token-id", "1", "token id")
	cmd.Flags().StringVar(&quantity, "quantity", "1", "quantity")
	cmd.Flags().StringVar(&price, "price", "0.01", "price per token in currency units")
	cmd.Flags().DurationVar(&expiry, "expiry", 7*24*time.Hour, "time until the listing expires")
	return cmd
}

func newBuyCmd() *cobra.Command {
	var quantity string
	cmd := &cobra.Command{
		Use:   "buy <tokenId>",
		Short: "Accept the best listing of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := bigFlag(quantity)
			if err != nil {
				return err
			}
			return runTask(func(ctx context.Context, app *server.App) (*sequencer.Task, error) {
				return app.Buy(ctx, args[0], n)
			})
		},
	}
	cmd.Flags().StringVar(&quantity, "quantity", "1", "quantity")
	return cmd
}

func newTopOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top-order <tokenId>",
		Short: "Show the best listing of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cfgFile); err != nil {
				return err
			}
			client := market.NewClient(config.Market.Url,
				common.HexToAddress(config.Contracts.Collection),
				common.HexToAddress(config.Contracts.Currency),
				common.HexToAddress(config.Contracts.Marketplace))
			order, err := client.GetBestOrder(cmd.Context(), args[0])
			if err != nil {
				if server.IsBlocking(err) {
					fmt.Println(err)
					return nil
				}
				return err
			}
			fmt.Printf("order %s: %s x %s, price %s, by %s\n",
				order.OrderID, order.TokenID, order.QuantityRemaining, order.PricePerToken, order.CreatedBy)
			return nil
		},
	}
}

func newKeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage keystore files",
	}
	var dir string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a keystore file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pwd, err := readPassword("new password: ")
			if err != nil {
				return err
			}
			again, err := readPassword("repeat password: ")
			if err != nil {
				return err
			}
			if pwd != again {
				return fmt.Errorf("passwords do not match")
			}
			ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
			account, err := ks.NewAccount(pwd)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n%s\n", account.Address.Hex(), account.URL.Path)
			return nil
		},
	}
	newCmd.Flags().StringVar(&dir, "dir", "./keystores", "directory of the keystore file")
	key.AddCommand(newCmd)
	return key
}
