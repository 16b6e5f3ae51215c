package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"resty.dev/v3"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

// HTTPTransport calls the ledger's JSON HTTP surface.
type HTTPTransport struct {
	client *resty.Client
}

func NewHTTPTransport(baseURL string) *HTTPTransport {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPTransport{client: c}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Close() error { return t.client.Close() }

func (t *HTTPTransport) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	var out wire.ReserveResponse
	if err := t.post(ctx, "/stock/reserve", intent.OperationID, wire.NewReserveRequest(intent), &out); err != nil {
		return domain.MutationResult{}, err
	}
	return domain.MutationResult{OperationID: out.OperationID, Quantity: out.Remaining, Replayed: out.Replayed}, nil
}

func (t *HTTPTransport) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	var out wire.RestoreResponse
	if err := t.post(ctx, "/stock/restore", intent.OperationID, wire.NewRestoreRequest(intent), &out); err != nil {
		return domain.MutationResult{}, err
	}
	return domain.MutationResult{
		OperationID: out.OperationID, Quantity: out.Quantity, Replayed: out.Replayed, Voided: out.Voided,
	}, nil
}

func (t *HTTPTransport) post(ctx context.Context, path, operationID string, body, out any) error {
	req := t.client.R().
		SetContext(ctx).
		SetHeader(wire.IdempotencyHeader, operationID).
		SetBody(body).
		SetResult(out)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if res.StatusCode() >= 200 && res.StatusCode() < 300 {
		return nil
	}
	return responseError(res.StatusCode(), res.String())
}

// responseError classifies a non-2xx reply. Known business codes are final;
// 5xx, 408 and 429 are worth retrying.
func responseError(status int, body string) error {
	var e wire.ErrorResponse
	if json.Unmarshal([]byte(body), &e) == nil && e.Error != "" {
		if mapped, ok := wire.CodeError(e.Error, e.Message); ok && domain.IsBusinessDecline(mapped) {
			return mapped
		}
	}
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return fmt.Errorf("ledger returned %d: %s", status, strings.TrimSpace(body))
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: ledger returned 404: %s", domain.ErrNotFound, strings.TrimSpace(body))
	case http.StatusConflict:
		return fmt.Errorf("%w: ledger returned 409: %s", domain.ErrConflict, strings.TrimSpace(body))
	}
	return fmt.Errorf("%w: ledger returned %d: %s", domain.ErrInvalidRequest, status, strings.TrimSpace(body))
}
