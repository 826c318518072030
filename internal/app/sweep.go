/**
 * @description
 * Reconciliation sweep: the scheduled safety net for payments whose callbacks
 * never arrived or whose activation event was lost in transit. Two passes:
 *
 * 1. Stale pending transactions are re-verified with the gateway by the
 *    locally generated reference and driven through the same
 *    verify-validate-transition path as callbacks.
 * 2. Successful transactions that still have no subscription get their
 *    activation event re-published. Activation is idempotent, so a duplicate
 *    dispatch is harmless.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling with panic recovery.
 * - internal/store: For sweep candidate queries.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/subpay/billing-service/internal/store"
)

const sweepTimeout = 2 * time.Minute

// Sweeper runs the periodic reconciliation jobs.
type Sweeper struct {
	cron       *cron.Cron
	service    *Service
	repo       store.Repository
	schedule   string
	maxAge     time.Duration
	batchLimit int
}

// NewSweeper creates a sweeper for the given schedule.
func NewSweeper(service *Service, repo store.Repository, schedule string, pendingMaxAge time.Duration, batchLimit int) *Sweeper {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Sweeper{
		cron:       c,
		service:    service,
		repo:       repo,
		schedule:   schedule,
		maxAge:     pendingMaxAge,
		batchLimit: batchLimit,
	}
}

// Start registers and starts the sweep job.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Run); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"reconciliation sweep scheduled\" schedule=%q pending_max_age=%s batch_limit=%d", s.schedule, s.maxAge, s.batchLimit)
	return nil
}

// Stop gracefully stops the scheduler and returns a context that is done once
// any in-flight run finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Run executes one sweep pass. Exported so an operator endpoint or test can
// trigger it outside the schedule.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	s.reverifyStalePending(ctx)
	s.redispatchLostActivations(ctx)
}

func (s *Sweeper) reverifyStalePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	candidates, err := s.repo.ListStalePendingTransactions(ctx, cutoff, s.batchLimit)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to list stale pending transactions\" err=%v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	log.Printf("level=info component=sweeper msg=\"re-verifying stale pending transactions\" count=%d", len(candidates))

	for _, tx := range candidates {
		result, err := s.service.ReconcileByReference(ctx, tx.TxRef)
		if err != nil {
			switch {
			case errors.Is(err, ErrGatewayUnavailable) && IsGatewayRejection(err):
				// The gateway has no record of this charge. The customer
				// never reached checkout; leave the row pending for an
				// operator or a later abandonment policy.
				log.Printf("level=info component=sweeper msg=\"gateway has no record of reference\" tx_ref=%s", tx.TxRef)
			case errors.Is(err, ErrGatewayUnavailable):
				// The whole pass will fare no better; try again next tick.
				log.Printf("level=warn component=sweeper msg=\"gateway unavailable; abandoning pass\" tx_ref=%s err=%v", tx.TxRef, err)
				return
			case errors.Is(err, ErrUnknownReference):
				// Verified, but the echoed reference matches no local row.
				log.Printf("level=warn component=sweeper msg=\"verification echoed an unknown reference\" tx_ref=%s err=%v", tx.TxRef, err)
			default:
				log.Printf("level=warn component=sweeper msg=\"re-verification failed\" tx_ref=%s err=%v", tx.TxRef, err)
			}
			continue
		}
		log.Printf("level=info component=sweeper msg=\"stale pending reconciled\" tx_ref=%s outcome=%s", tx.TxRef, result.Outcome)
	}
}

func (s *Sweeper) redispatchLostActivations(ctx context.Context) {
	// Only look at rows old enough that the original dispatch clearly failed,
	// so we do not race a healthy in-flight activation.
	cutoff := time.Now().UTC().Add(-s.maxAge)
	candidates, err := s.repo.ListSuccessfulTransactionsWithoutSubscription(ctx, cutoff, s.batchLimit)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to list unactivated transactions\" err=%v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	log.Printf("level=info component=sweeper msg=\"re-dispatching lost activations\" count=%d", len(candidates))

	for _, tx := range candidates {
		if tx.FlutterwaveID == nil || *tx.FlutterwaveID == "" {
			// Successful rows always carry the gateway id from reconciliation.
			log.Printf("level=error component=sweeper msg=\"successful transaction missing gateway id\" tx_ref=%s", tx.TxRef)
			continue
		}
		s.service.dispatchActivation(ctx, *tx.FlutterwaveID, tx.TxRef)
	}
}
