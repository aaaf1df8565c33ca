package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/appstore/internal/adapter/identity"
	"github.com/rl1809/appstore/internal/adapter/storage"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/core/service"
	"github.com/rl1809/appstore/internal/port"
)

const (
	serviceAccount = "appstore.near"
	seller         = "seller.near"
	price          = 1001
	overpayment    = 7
)

func main() {
	backend := flag.String("storage", "memory", "Storage backend: memory or sqlite")
	buyers := flag.Int("buyers", 50, "Distinct buyers")
	attempts := flag.Int("attempts", 3, "Purchase attempts per buyer")
	flag.Parse()

	ctx := context.Background()
	logger := log.New(os.Stdout, "[STRESS] ", log.LstdFlags)

	var store port.Store
	switch *backend {
	case "memory":
		store = storage.NewMemoryStore()
	case "sqlite":
		dir, err := os.MkdirTemp("", "appstore-stress-")
		if err != nil {
			log.Fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		s, err := storage.OpenSQLite(ctx, filepath.Join(dir, "stress.db"))
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		store = s
	default:
		log.Fatalf("unknown storage %q", *backend)
	}
	defer store.Close()

	wallet := storage.NewMemoryWallet()
	dispatcher := service.NewSettlementDispatcher(store, wallet, service.DispatcherConfig{
		Workers:       10,
		QueueSize:     *buyers,
		SweepInterval: 100 * time.Millisecond,
	}, logger)
	dispatcher.Start(ctx)

	marketplace := service.NewMarketplaceService(store, identity.NewContextProvider(serviceAccount), dispatcher)

	published, err := marketplace.PublishApp(identity.WithCaller(ctx, seller), service.PublishAppInput{
		Title: "Stress",
		Genre: "games",
		Price: domain.NewAmount(price),
	})
	if err != nil {
		log.Fatalf("failed to publish: %v", err)
	}

	var successCount, duplicateCount, failCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *buyers; i++ {
		for j := 0; j < *attempts; j++ {
			wg.Add(1)
			go func(buyer int) {
				defer wg.Done()

				callCtx := identity.WithCaller(ctx, domain.Identity(fmt.Sprintf("buyer-%d.near", buyer)))
				callCtx = identity.WithAttachedValue(callCtx, domain.NewAmount(price+overpayment))
				_, err := marketplace.BuyApp(callCtx, published.ID)
				switch {
				case err == nil:
					successCount.Add(1)
				case errors.Is(err, domain.ErrAlreadyPurchased):
					duplicateCount.Add(1)
				default:
					failCount.Add(1)
					logger.Printf("unexpected error: %v", err)
				}
			}(i)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Let the sweep pick up anything the queue dropped.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n, err := dispatcher.Sweep(ctx)
		if err == nil && n == 0 && len(wallet.History()) >= 2*(*buyers) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	dispatcher.Close()

	success := successCount.Load()
	duplicates := duplicateCount.Load()
	fail := failCount.Load()
	total := *buyers * *attempts

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Storage:          %s\n", *backend)
	fmt.Printf("Total Requests:   %d\n", total)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Duplicates:       %d\n", duplicates)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == int32(*buyers) && duplicates == int32(total-*buyers) && fail == 0 {
		fmt.Printf("PASS: Exactly %d purchases succeeded, %d rejected as duplicates\n", *buyers, duplicates)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d duplicate, got %d/%d (%d failed)\n",
			*buyers, total-*buyers, success, duplicates, fail)
	}

	recorded, err := marketplace.ListAppBuyers(ctx, published.ID)
	if err != nil {
		log.Fatalf("failed to list buyers: %v", err)
	}
	if len(recorded) == *buyers {
		fmt.Printf("PASS: Ledger holds %d buyers\n", len(recorded))
	} else {
		fmt.Printf("FAIL: Expected %d buyers in ledger, got %d\n", *buyers, len(recorded))
	}

	// The seller receives price - floor(price/2) per purchase.
	sellerBalance, _ := wallet.Balance(ctx, seller)
	want := domain.NewAmount(uint64(*buyers) * (price - price/2))
	fmt.Printf("Seller Balance:   %s\n", sellerBalance)
	if sellerBalance.Equal(want) {
		fmt.Println("PASS: Seller payouts match")
	} else {
		fmt.Printf("FAIL: Expected seller balance %s, got %s\n", want, sellerBalance)
	}
}
