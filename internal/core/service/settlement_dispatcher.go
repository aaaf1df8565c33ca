package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

const (
	settleTimeout  = 5 * time.Second
	sweepBatchSize = 100
)

// DispatcherConfig sizes the settlement worker pool.
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

// SettlementDispatcher executes committed settlements. Committed settlements
// arrive through Notify; a periodic sweep picks up any that were dropped or
// left pending by a previous process. Transfers of one settlement run on one
// worker in Seq order. A failed transfer is marked failed and logged; the
// purchase that scheduled it stays recorded.
type SettlementDispatcher struct {
	store  port.Store
	wallet port.Wallet
	cfg    DispatcherConfig
	logger *log.Logger

	queue chan domain.Settlement

	mu       sync.RWMutex
	closed   bool
	inflight map[string]struct{}

	stopSweep chan struct{}
	sweepWg   sync.WaitGroup
	workerWg  sync.WaitGroup
}

func NewSettlementDispatcher(store port.Store, wallet port.Wallet, cfg DispatcherConfig, logger *log.Logger) *SettlementDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[settlement] ", log.LstdFlags)
	}
	return &SettlementDispatcher{
		store:     store,
		wallet:    wallet,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan domain.Settlement, cfg.QueueSize),
		inflight:  make(map[string]struct{}),
		stopSweep: make(chan struct{}),
	}
}

// Start launches the workers and, when configured, the sweep loop.
func (d *SettlementDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWg.Add(1)
		go func(id int) {
			defer d.workerWg.Done()
			d.workerLoop(id)
		}(i)
	}
	d.logger.Printf("started %d settlement workers", d.cfg.Workers)

	if d.cfg.SweepInterval > 0 {
		d.sweepWg.Add(1)
		go func() {
			defer d.sweepWg.Done()
			d.sweepLoop(ctx)
		}()
	}
}

// Notify hands a committed settlement to the workers without blocking. When
// the queue is full the settlement stays pending for the next sweep.
func (d *SettlementDispatcher) Notify(settlement domain.Settlement) {
	d.enqueue(settlement)
}

func (d *SettlementDispatcher) enqueue(settlement domain.Settlement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if _, ok := d.inflight[settlement.ID]; ok {
		return true
	}
	select {
	case d.queue <- settlement:
		d.inflight[settlement.ID] = struct{}{}
		return true
	default:
		d.logger.Printf("queue full, settlement %s left for sweep", settlement.ID)
		return false
	}
}

func (d *SettlementDispatcher) done(settlementID string) {
	d.mu.Lock()
	delete(d.inflight, settlementID)
	d.mu.Unlock()
}

// Sweep queues every pending settlement found in the outbox and returns how
// many were queued.
func (d *SettlementDispatcher) Sweep(ctx context.Context) (int, error) {
	var pending []domain.Settlement
	err := d.store.View(ctx, func(tx port.Tx) error {
		var err error
		pending, err = tx.Outbox().Pending(ctx, sweepBatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load pending settlements: %w", err)
	}

	queued := 0
	for _, settlement := range pending {
		if !d.enqueue(settlement) {
			break
		}
		queued++
	}
	return queued, nil
}

func (d *SettlementDispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.Printf("sweep failed: %v", err)
			}
		case <-d.stopSweep:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *SettlementDispatcher) workerLoop(id int) {
	for settlement := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		d.settle(ctx, id, settlement)
		cancel()
		d.done(settlement.ID)
	}
}

// settle executes pending transfers strictly in Seq order. A later transfer
// runs after the earlier one finished, whatever its outcome. The queued copy
// may be stale, so transfer states are re-read from the outbox first and
// anything no longer pending is left alone.
func (d *SettlementDispatcher) settle(ctx context.Context, worker int, queued domain.Settlement) {
	var settlement domain.Settlement
	err := d.store.View(ctx, func(tx port.Tx) error {
		var err error
		settlement, err = tx.Outbox().Get(ctx, queued.ID)
		return err
	})
	if err != nil {
		d.logger.Printf("worker %d: failed to load settlement %s: %v", worker, queued.ID, err)
		return
	}

	transfers := append([]domain.Transfer(nil), settlement.Transfers...)
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].Seq < transfers[j].Seq })

	for _, transfer := range transfers {
		if transfer.Status != domain.TransferPending {
			continue
		}

		status, lastError := domain.TransferCompleted, ""
		applied, err := d.wallet.Credit(ctx, transfer)
		if err != nil {
			status, lastError = domain.TransferFailed, err.Error()
			d.logger.Printf("worker %d: CRITICAL %s transfer %s of %s to %s failed: %v",
				worker, transfer.Kind, transfer.ID, transfer.Amount, transfer.Recipient, err)
		} else if applied {
			d.logger.Printf("worker %d: %s %s to %s (settlement %s)",
				worker, transfer.Kind, transfer.Amount, transfer.Recipient, settlement.ID)
		}

		err = d.store.Update(ctx, func(tx port.Tx) error {
			return tx.Outbox().MarkTransfer(ctx, transfer.ID, status, lastError)
		})
		if err != nil {
			d.logger.Printf("worker %d: failed to mark transfer %s %s: %v", worker, transfer.ID, status, err)
		}
	}
}

// Close stops the sweep, lets the workers drain the queue and waits for them.
func (d *SettlementDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.stopSweep)
	d.mu.Unlock()

	d.sweepWg.Wait()
	close(d.queue)
	d.workerWg.Wait()
}
