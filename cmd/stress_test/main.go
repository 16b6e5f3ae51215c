package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/rl1809/retail-stock/internal/adapter/client"
	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

type options struct {
	ledgerURL     string
	storeID       string
	productID     string
	initialStock  int
	totalRequests int
	quantity      int
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "stress_test",
		Short: "Fire concurrent reservations at a running ledger and check it never oversells",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ledgerURL, "ledger", "http://localhost:8081", "ledger base URL")
	cmd.Flags().StringVar(&opts.storeID, "store", "stress-store", "store id")
	cmd.Flags().StringVar(&opts.productID, "product", "stress-item", "product id")
	cmd.Flags().IntVar(&opts.initialStock, "stock", 20, "initial stock")
	cmd.Flags().IntVar(&opts.totalRequests, "requests", 50, "concurrent reservations")
	cmd.Flags().IntVar(&opts.quantity, "quantity", 1, "quantity per reservation")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	admin := resty.New().SetBaseURL(opts.ledgerURL)
	defer admin.Close()

	res, err := admin.R().SetContext(ctx).
		SetBody(wire.ProvisionRequest{Quantity: opts.initialStock}).
		Put("/stock/" + opts.storeID + "/" + opts.productID)
	if err != nil {
		return fmt.Errorf("provision stock: %w", err)
	}
	if res.StatusCode() != 200 {
		return fmt.Errorf("provision stock: status %d: %s", res.StatusCode(), res.String())
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	transport := client.NewHTTPTransport(opts.ledgerURL)
	defer transport.Close()
	reserver := client.NewReservationClient(transport, client.Options{
		Retry:       client.DefaultRetryPolicy(),
		CallTimeout: 10 * time.Second,
	}, logger, nil)

	var successCount, declinedCount, failCount, replayedCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < opts.totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			intent := domain.ReservationIntent{
				OperationID: domain.OperationID(fmt.Sprintf("stress-%d-%d", start.UnixNano(), n), opts.productID, domain.IntentReserve),
				StoreID:     opts.storeID,
				ProductID:   opts.productID,
				Quantity:    opts.quantity,
				Kind:        domain.IntentReserve,
			}
			_, err := reserver.Reserve(ctx, intent)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				declinedCount.Add(1)
				return
			default:
				failCount.Add(1)
				return
			}

			// A client retry with the same key must not take stock twice.
			again, err := reserver.Reserve(ctx, intent)
			if err == nil && again.Replayed {
				replayedCount.Add(1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var final domain.StockRecord
	res, err = admin.R().SetContext(ctx).SetResult(&final).
		Get("/stock/" + opts.storeID + "/" + opts.productID)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	if res.StatusCode() != 200 {
		return fmt.Errorf("read stock: status %d", res.StatusCode())
	}

	success := int(successCount.Load())
	expectedSuccess := min(opts.totalRequests, opts.initialStock/opts.quantity)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", opts.initialStock)
	fmt.Printf("Total Requests:   %d\n", opts.totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Declined:         %d\n", declinedCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Replayed:         %d\n", replayedCount.Load())
	fmt.Printf("Final Stock:      %d\n", final.Quantity)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	var failed bool
	if final.Quantity < 0 {
		fmt.Printf("FAIL: stock went negative: %d\n", final.Quantity)
		failed = true
	}
	if final.Quantity != opts.initialStock-success*opts.quantity {
		fmt.Printf("FAIL: expected stock %d, got %d\n", opts.initialStock-success*opts.quantity, final.Quantity)
		failed = true
	}
	if failCount.Load() == 0 && success != expectedSuccess {
		fmt.Printf("FAIL: expected %d successful reservations, got %d\n", expectedSuccess, success)
		failed = true
	}
	if int(replayedCount.Load()) != success {
		fmt.Printf("FAIL: %d of %d retried reservations were not replayed\n", success-int(replayedCount.Load()), success)
		failed = true
	}
	if failed {
		return errors.New("stress test failed")
	}
	fmt.Println("PASS: ledger never oversold and retries were applied once")
	return nil
}
