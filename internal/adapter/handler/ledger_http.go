package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/service"
)

type LedgerHTTPHandler struct {
	ledger *service.LedgerService
	logger *zap.Logger
}

func NewLedgerHTTPHandler(ledger *service.LedgerService, logger *zap.Logger) *LedgerHTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHTTPHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes. reads wraps the cacheable GET routes.
func (h *LedgerHTTPHandler) Register(r gin.IRouter, reads ...gin.HandlerFunc) {
	r.POST("/stock/reserve", h.Reserve)
	r.POST("/stock/restore", h.Restore)
	r.POST("/stock/adjust", h.Adjust)
	r.PUT("/stock/:storeId/:productId", h.Provision)
	r.GET("/stock/low", chain(reads, h.LowStock)...)
	r.GET("/stock/:storeId/:productId", chain(reads, h.GetStock)...)
}

// operationID reconciles the body field with the Idempotency-Key header.
func operationID(c *gin.Context, fromBody string) (string, bool) {
	header := c.GetHeader(wire.IdempotencyHeader)
	switch {
	case header == "":
		return fromBody, true
	case fromBody == "" || fromBody == header:
		return header, true
	}
	badRequest(c, "operationId does not match "+wire.IdempotencyHeader)
	return "", false
}

func (h *LedgerHTTPHandler) Reserve(c *gin.Context) {
	var req wire.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	id, ok := operationID(c, req.OperationID)
	if !ok {
		return
	}
	req.OperationID = id

	res, err := h.ledger.Reserve(c.Request.Context(), req.Intent())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, wire.ReserveResponse{OperationID: res.OperationID, Remaining: res.Quantity, Replayed: res.Replayed})
}

func (h *LedgerHTTPHandler) Restore(c *gin.Context) {
	var req wire.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	id, ok := operationID(c, req.OperationID)
	if !ok {
		return
	}
	req.OperationID = id

	res, err := h.ledger.Restore(c.Request.Context(), req.Intent())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, wire.RestoreResponse{
		OperationID: res.OperationID, Quantity: res.Quantity, Replayed: res.Replayed, Voided: res.Voided,
	})
}

func (h *LedgerHTTPHandler) Adjust(c *gin.Context) {
	var req wire.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rec, err := h.ledger.Adjust(c.Request.Context(), req.StoreID, req.ProductID, req.Delta)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *LedgerHTTPHandler) Provision(c *gin.Context) {
	var req wire.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rec, err := h.ledger.Provision(c.Request.Context(), c.Param("storeId"), c.Param("productId"), req.Quantity)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *LedgerHTTPHandler) GetStock(c *gin.Context) {
	rec, err := h.ledger.GetStock(c.Request.Context(), c.Param("storeId"), c.Param("productId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *LedgerHTTPHandler) LowStock(c *gin.Context) {
	threshold, err := strconv.Atoi(c.Query("threshold"))
	if err != nil {
		badRequest(c, "threshold must be an integer")
		return
	}
	records, err := h.ledger.FindLowStock(c.Request.Context(), threshold)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
