package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/core/service"
)

type SalesHTTPHandler struct {
	coordinator *service.SaleCoordinator
	reconciler  *service.RefundReconciler
	logger      *zap.Logger
}

func NewSalesHTTPHandler(coordinator *service.SaleCoordinator, reconciler *service.RefundReconciler, logger *zap.Logger) *SalesHTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SalesHTTPHandler{coordinator: coordinator, reconciler: reconciler, logger: logger}
}

func (h *SalesHTTPHandler) Register(r gin.IRouter, reads ...gin.HandlerFunc) {
	r.POST("/sales", h.CreateSale)
	r.GET("/sales/:id", chain(reads, h.GetSale)...)
	r.GET("/sales/:id/refunds", chain(reads, h.ListRefunds)...)
	r.POST("/sales/:id/refunds", h.CreateRefund)
	r.POST("/sales/:id/cancel", h.CancelSale)
}

type createSaleRequest struct {
	StoreID string        `json:"storeId"`
	UserID  string        `json:"userId"`
	Lines   []domain.Line `json:"lines"`
}

type createRefundRequest struct {
	UserID string               `json:"userId"`
	Reason string               `json:"reason"`
	Lines  []service.RefundLine `json:"lines"`
}

type saleFailure struct {
	wire.ErrorResponse
	SaleID      string   `json:"saleId"`
	Compensated bool     `json:"compensated"`
	Unconfirmed []string `json:"unconfirmedOperations,omitempty"`
	// NewKeyRequired is set when the Idempotency-Key belongs to a sale that
	// already failed; its released reservations never apply again.
	NewKeyRequired bool `json:"newKeyRequired,omitempty"`
}

type restorationFailure struct {
	wire.ErrorResponse
	SourceID string   `json:"sourceId"`
	Pending  []string `json:"pendingOperations"`
}

// derivedID maps an Idempotency-Key onto a stable entity id so a retried
// request lands on the same sale or refund.
func derivedID(c *gin.Context, scope string) string {
	key := c.GetHeader(wire.IdempotencyHeader)
	if key == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope+":"+key)).String()
}

func (h *SalesHTTPHandler) CreateSale(c *gin.Context) {
	var req createSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sale, err := h.coordinator.CreateSale(c.Request.Context(), service.CreateSaleRequest{
		SaleID:  derivedID(c, "sale"),
		StoreID: req.StoreID,
		UserID:  req.UserID,
		Lines:   req.Lines,
	})
	if err != nil {
		var sagaErr *domain.SagaError
		if errors.As(err, &sagaErr) {
			h.writeSagaError(c, sagaErr)
			return
		}
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sale)
}

func (h *SalesHTTPHandler) writeSagaError(c *gin.Context, err *domain.SagaError) {
	body := saleFailure{
		ErrorResponse: wire.ErrorResponse{Error: wire.ErrorCode(err.Cause), Message: err.Error()},
		SaleID:        err.SaleID,
		Compensated:   err.Compensated,
	}
	for _, f := range err.Failures {
		body.Unconfirmed = append(body.Unconfirmed, f.OperationID)
	}
	status := httpStatus(err.Cause)
	if errors.Is(err.Cause, domain.ErrReservationVoided) {
		body.NewKeyRequired = true
		body.Message = fmt.Sprintf("sale %s already failed and its reservations were released; retry with a new %s",
			err.SaleID, wire.IdempotencyHeader)
	}
	if !err.Compensated {
		body.Error = wire.CodeCompensation
		h.logger.Error("sale failed with unconfirmed compensation",
			zap.String("sale_id", err.SaleID), zap.Strings("operations", body.Unconfirmed))
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *SalesHTTPHandler) GetSale(c *gin.Context) {
	sale, err := h.coordinator.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (h *SalesHTTPHandler) ListRefunds(c *gin.Context) {
	refunds, err := h.reconciler.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, refunds)
}

func (h *SalesHTTPHandler) CreateRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	saleID := c.Param("id")
	res, err := h.reconciler.CreateRefund(c.Request.Context(), service.RefundRequest{
		RefundID: derivedID(c, "refund:"+saleID),
		SaleID:   saleID,
		UserID:   req.UserID,
		Reason:   req.Reason,
		Lines:    req.Lines,
	})
	if err != nil {
		h.writeRestorationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *SalesHTTPHandler) CancelSale(c *gin.Context) {
	sale, err := h.reconciler.CancelSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeRestorationError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (h *SalesHTTPHandler) writeRestorationError(c *gin.Context, err error) {
	var restErr *domain.RestorationError
	if !errors.As(err, &restErr) {
		writeError(c, h.logger, err)
		return
	}
	body := restorationFailure{
		ErrorResponse: wire.ErrorResponse{Error: wire.CodeRestoration, Message: err.Error()},
		SourceID:      restErr.SourceID,
	}
	for _, p := range restErr.Pending {
		body.Pending = append(body.Pending, p.OperationID)
	}
	c.AbortWithStatusJSON(httpStatus(err), body)
}
