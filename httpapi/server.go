// Package httpapi exposes the deposit service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/radhat/depositrouter/create2"
	"github.com/radhat/depositrouter/orchestrator"
	"github.com/radhat/depositrouter/store"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

// Service is the deposit lifecycle surface the API serves.
type Service interface {
	CreateDeposit(ctx context.Context, requester common.Address) (orchestrator.CreatedDeposit, error)
	ListDeposits(ctx context.Context) ([]store.DepositRecord, error)
	GetDeposit(ctx context.Context, addr common.Address) (store.DepositRecord, error)
	RunRoutingCycle(ctx context.Context) (orchestrator.RouteBatchResult, error)
}

// Server wires HTTP routes to a Service.
type Server struct {
	svc     Service
	factory common.Address
}

// NewServer creates a Server. The factory address is reported by the health
// endpoint so clients can verify derivation inputs.
func NewServer(svc Service, factory common.Address) *Server {
	return &Server{svc: svc, factory: factory}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router(opts ...RouterOption) *gin.Engine {
	cfg := routerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	if cfg.logger != nil {
		r.Use(RequestLogger(cfg.logger))
	}

	r.GET("/health", s.health)
	r.POST("/deposit", s.createDeposit)
	r.GET("/deposits", s.listDeposits)
	r.GET("/deposits/:address", s.getDeposit)
	r.POST("/router", s.routeDeposits)

	return r
}

// createDepositRequest is the POST /deposit body.
type createDepositRequest struct {
	User string `json:"user" binding:"required"`
}

// createDepositResponse is the POST /deposit response.
type createDepositResponse struct {
	DepositAddress string `json:"deposit_address"`
	Salt           string `json:"salt"`
	Nonce          uint64 `json:"nonce"`
	Note           string `json:"note"`
}

// depositInfo is one record in listings and lookups.
type depositInfo struct {
	ID             int64  `json:"id"`
	UserAddress    string `json:"user_address"`
	DepositAddress string `json:"deposit_address"`
	Salt           string `json:"salt"`
	Nonce          uint64 `json:"nonce"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// listDepositsResponse is the GET /deposits response.
type listDepositsResponse struct {
	Deposits []depositInfo `json:"deposits"`
	Total    int           `json:"total"`
}

// routeTransactionInfo is one settlement inside a routing run.
type routeTransactionInfo struct {
	ProxyAddress string `json:"proxy_address"`
	TxHash       string `json:"tx_hash"`
	AmountWei    string `json:"amount_wei"`
}

// routeResponse is the POST /router response.
type routeResponse struct {
	Checked       int                    `json:"checked"`
	Funded        int                    `json:"funded"`
	Deployed      int                    `json:"deployed"`
	Routed        int                    `json:"routed"`
	DeployTxHash  *string                `json:"deploy_tx_hash"`
	RouteTxHashes []routeTransactionInfo `json:"route_tx_hashes"`
	Errors        []string               `json:"errors"`
}

// healthResponse is the GET /health response.
type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	FactoryAddress string `json:"factory_address"`
}

// errorResponse is the body for all error statuses.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:         "ok",
		Version:        Version,
		FactoryAddress: strings.ToLower(s.factory.Hex()),
	})
}

func (s *Server) createDeposit(c *gin.Context) {
	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
			Error: "body must be {\"user\": \"0x...\"}",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	requester, err := create2.ParseAddress(req.User)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
			Error: "invalid address format: " + req.User,
			Code:  "INVALID_ADDRESS",
		})
		return
	}

	dep, err := s.svc.CreateDeposit(c.Request.Context(), requester)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, createDepositResponse{
		DepositAddress: strings.ToLower(dep.Address.Hex()),
		Salt:           dep.Salt.Hex(),
		Nonce:          dep.Nonce,
		Note:           dep.Note,
	})
}

func (s *Server) listDeposits(c *gin.Context) {
	records, err := s.svc.ListDeposits(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	deposits := make([]depositInfo, 0, len(records))
	for _, rec := range records {
		deposits = append(deposits, recordToInfo(rec))
	}

	c.JSON(http.StatusOK, listDepositsResponse{
		Deposits: deposits,
		Total:    len(deposits),
	})
}

func (s *Server) getDeposit(c *gin.Context) {
	addr, err := create2.ParseAddress(c.Param("address"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
			Error: "invalid address format: " + c.Param("address"),
			Code:  "INVALID_ADDRESS",
		})
		return
	}

	rec, err := s.svc.GetDeposit(c.Request.Context(), addr)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, recordToInfo(rec))
}

func (s *Server) routeDeposits(c *gin.Context) {
	res, err := s.svc.RunRoutingCycle(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := routeResponse{
		Checked:       res.Checked,
		Funded:        res.Funded,
		Deployed:      res.Deployed,
		Routed:        res.Routed,
		RouteTxHashes: make([]routeTransactionInfo, 0, len(res.Routes)),
		Errors:        res.Errors,
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	if res.DeployTx != nil {
		h := res.DeployTx.Hex()
		out.DeployTxHash = &h
	}
	for _, route := range res.Routes {
		out.RouteTxHashes = append(out.RouteTxHashes, routeTransactionInfo{
			ProxyAddress: strings.ToLower(route.Address.Hex()),
			TxHash:       route.Tx.Hex(),
			AmountWei:    route.Amount.String(),
		})
	}

	c.JSON(http.StatusOK, out)
}

func recordToInfo(rec store.DepositRecord) depositInfo {
	return depositInfo{
		ID:             rec.ID,
		UserAddress:    strings.ToLower(rec.Requester.Hex()),
		DepositAddress: strings.ToLower(rec.Address.Hex()),
		Salt:           rec.Salt.Hex(),
		Nonce:          rec.Nonce,
		Status:         string(rec.Status),
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})
	case errors.Is(err, orchestrator.ErrInvalidRequester):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Code:  "INVALID_ADDRESS",
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
			Error: err.Error(),
			Code:  "INTERNAL_ERROR",
		})
	}
}
