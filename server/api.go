package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"marketwallet/config"
	"marketwallet/encoder"
	"marketwallet/gl"
	"marketwallet/guard"
	"marketwallet/market"
	"marketwallet/sequencer"
	"marketwallet/tokens"
)

// Router returns the HTTP API of app.
func Router(app *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/connect", app.handleConnect)
	r.POST("/disconnect", app.handleDisconnect)
	r.GET("/status", app.handleStatus)
	r.POST("/mint", app.handleMint(app.Mint))
	r.POST("/mint/unguarded", app.handleMint(app.MintUnguarded))
	r.POST("/transfer", app.handleTransfer)
	r.POST("/sell", app.handleSell)
	r.POST("/buy", app.handleBuy)
	r.GET("/orders/:tokenId/best", app.handleBestOrder)
	return r
}

// ListenAndServe serves the HTTP API on config.Server.Listen until ctx is done.
func ListenAndServe(ctx context.Context, app *App) error {
	srv := &http.Server{Addr: config.Server.Listen, Handler: Router(app)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	gl.Info("http api listens on %s", config.Server.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, guard.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrNoOrdersFound):
		return http.StatusNotFound
	case errors.Is(err, tokens.ErrNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, encoder.ErrEncoding):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		gl.Error("%s %s error. %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error(), "blocking": IsBlocking(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// respond waits for task up to config.Server.WaitTimeout. A task still running
// then is answered with 202 and the hashes seen so far.
func respond(c *gin.Context, task *sequencer.Task, err error) {
	if err != nil {
		abort(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), config.Server.WaitTimeout*time.Second)
	defer cancel()
	hashes, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.JSON(http.StatusAccepted, txResponse{Operation: task.Operation, Pending: true, Hashes: hashes})
		return
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, txResponse{Operation: task.Operation, Hashes: hashes})
}

func (a *App) handleConnect(c *gin.Context) {
	addr, err := a.Connect(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr})
}

func (a *App) handleDisconnect(c *gin.Context) {
	if err := a.Disconnect(); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) handleStatus(c *gin.Context) {
	st, err := a.Status(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type mintFunc func(ctx context.Context, tokenID, amount *big.Int) (*sequencer.Task, error)

func (a *App) handleMint(mint mintFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mintRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
		}
		tokenID, err := parseInt(req.TokenID)
		if err != nil {
			badRequest(c, err)
			return
		}
		amount, err := parseInt(req.Amount)
		if err != nil {
			badRequest(c, err)
			return
		}
		task, err := mint(c.Request.Context(), tokenID, amount)
		respond(c, task, err)
	}
}

func (a *App) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var to common.Address
	if req.To != "" {
		if !common.IsHexAddress(req.To) {
			badRequest(c, errors.New("to is not an address"))
			return
		}
		to = common.HexToAddress(req.To)
	}
	tokenID, err := parseInt(req.TokenID)
	if err != nil {
		badRequest(c, err)
		return
	}
	amount, err := parseInt(req.Amount)
	if err != nil {
		badRequest(c, err)
		return
	}
	task, err := a.Transfer(c.Request.Context(), to, tokenID, amount)
	respond(c, task, err)
}

func (a *App) handleSell(c *gin.Context) {
	var req sellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p := SellParams{Price: req.Price}
	var err error
	if p.TokenID, err = parseInt(req.TokenID); err != nil {
		badRequest(c, err)
		return
	}
	if p.Quantity, err = parseInt(req.Quantity); err != nil {
		badRequest(c, err)
		return
	}
	if req.Expiry > 0 {
		p.Expiry = time.Unix(req.Expiry, 0)
	}
	task, err := a.Sell(c.Request.Context(), p)
	respond(c, task, err)
}

func (a *App) handleBuy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	quantity, err := parseInt(req.Quantity)
	if err != nil {
		badRequest(c, err)
		return
	}
	task, err := a.Buy(c.Request.Context(), req.TokenID, quantity)
	respond(c, task, err)
}

func (a *App) handleBestOrder(c *gin.Context) {
	order, err := a.BestOrder(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
