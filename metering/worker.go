
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/relaygate/gateway/config"
	"github.com/relaygate/gateway/store"
)

const (
	creditProcessingLockKey = "credit_processing"
	autoTopUpLockKey        = "auto_topup_check"
	lockTTL                 = 30 * time.Second
	tickInterval            = 1 * time.Second

	// stripeFeePercent + stripeFeeFixed model Stripe's published card
	// processing rate; calculateFees adds internationalSurcharge (a share
	// of the amount) to every charge, whatever the card's country.
	stripeFeePercent       = 0.029
	stripeFeeFixed         = 0.30
	internationalSurcharge = 0.015
)

// Worker is the C5 background sweep: it drains the log queue into durable
// storage, periodically reconciles organisation credits and per-key usage
// against the logs it just inserted, and periodically attempts card-on-file
// auto top-ups for organisations that are running low.
type Worker struct {
	store  store.Store
	cfg    *config.Config
	logger zerolog.Logger
	stripe *client.API

	// lastTouchedOrgs is the conservative candidate set processAutoTopUp
	// scans: the store has no secondary index for "every organisation",
	// so top-up eligibility is checked only for organisations whose
	// credits just moved in the preceding batchProcessLogs sweep — exactly
	// the ones whose balance could have crossed the threshold.
	lastTouchedOrgs map[string]struct{}
}

// NewWorker constructs the worker. A nil store makes Run a no-op loop (the
// same pass-through posture the rest of the gateway takes when Redis isn't
// configured).
func NewWorker(st store.Store, cfg *config.Config, logger zerolog.Logger) *Worker {
	w := &Worker{store: st, cfg: cfg, logger: logger.With().Str("component", "credit_worker").Logger()}
	if cfg.StripeSecretKey != "" {
		sc := &client.API{}
		sc.Init(cfg.StripeSecretKey, nil)
		w.stripe = sc
	}
	return w
}

// autoTopUpEveryNTicks mirrors the source's production-vs-development
// polling cadence: much less frequent in production, where Stripe's own
// rate limits and the cost of an errant charge both matter more.
func (w *Worker) autoTopUpEveryNTicks() int {
	if w.cfg.NodeEnv() == "production" {
		return 120
	}
	return 5
}

// Run drives the worker's infinite tick loop until ctx is canceled. It is
// meant to be started on its own goroutine; shutdown drains whatever tick
// is in flight and then returns.
func (w *Worker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn().Msg("no store configured — credit worker idling")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	batchEvery := w.cfg.CreditBatchInterval
	if batchEvery <= 0 {
		batchEvery = 5 * time.Second
	}
	batchEveryTicks := int(batchEvery / tickInterval)
	if batchEveryTicks < 1 {
		batchEveryTicks = 1
	}
	topUpEveryTicks := w.autoTopUpEveryNTicks()

	var tick int
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("credit worker shutting down")
			return
		case <-ticker.C:
			tick++
			if err := w.drainQueue(ctx); err != nil {
				w.logger.Error().Err(err).Msg("failed to drain log queue")
			}
			if tick%batchEveryTicks == 0 {
				if err := w.batchProcessLogs(ctx); err != nil {
					w.logger.Error().Err(err).Msg("batch credit processing failed")
				}
			}
			if tick%topUpEveryTicks == 0 {
				w.processAutoTopUp(ctx)
			}
		}
	}
}

// drainQueue consumes one batch off LOG_QUEUE and bulk-inserts it into
// durable storage, stripping message content for organisations that have
// opted out of retention before it is ever written to disk.
func (w *Worker) drainQueue(ctx context.Context) error {
	batchSize := w.cfg.CreditBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logs, err := w.store.DequeueLogBatch(ctx, batchSize)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}

	for _, l := range logs {
		if org, err := w.store.GetOrganization(ctx, l.OrganizationID); err == nil && org != nil && org.RetentionLevel == "none" {
			l.Content = ""
			l.ReasoningContent = ""
		}
	}
	return w.store.InsertLogs(ctx, logs)
}

// batchProcessLogs is the atomic credit-deduction sweep: it aggregates cost
// across whatever unprocessed logs it can claim, applies the aggregate in a
// single pair of store updates per organisation/key, and marks every log it
// touched as processed exactly once.
func (w *Worker) batchProcessLogs(ctx context.Context) error {
	acquired, err := w.store.TryAcquireLock(ctx, creditProcessingLockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire credit_processing lock: %w", err)
	}
	if !acquired {
		return nil // another worker holds the lock this tick
	}
	defer func() {
		if err := w.store.ReleaseLock(ctx, creditProcessingLockKey); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release credit_processing lock")
		}
	}()

	batchSize := w.cfg.CreditBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logs, err := w.store.UnprocessedLogs(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("fetch unprocessed logs: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	orgCost := make(map[string]float64)
	keyCost := make(map[string]float64)
	touchedOrgs := make(map[string]struct{})
	var processedIDs []string

	for _, l := range logs {
		if !l.Cached && l.Cost > 0 {
			if l.UsedMode == "credits" {
				orgCost[l.OrganizationID] += l.Cost
				touchedOrgs[l.OrganizationID] = struct{}{}
			}
			if l.ApiKeyID != "" {
				keyCost[l.ApiKeyID] += l.Cost
			}
		}
		processedIDs = append(processedIDs, l.RequestID)
	}

	for orgID, cost := range orgCost {
		org, err := w.store.GetOrganization(ctx, orgID)
		if err != nil || org == nil {
			w.logger.Warn().Err(err).Str("org_id", orgID).Msg("skipping credit deduction — organization not found")
			continue
		}
		org.Credits -= cost
		if err := w.store.PutOrganization(ctx, org); err != nil {
			w.logger.Error().Err(err).Str("org_id", orgID).Msg("failed to deduct credits")
		}
	}

	for keyID, cost := range keyCost {
		key, err := w.store.GetApiKeyByID(ctx, keyID)
		if err != nil || key == nil {
			continue
		}
		key.Usage += cost
		if err := w.store.PutApiKey(ctx, key); err != nil {
			w.logger.Error().Err(err).Str("key_id", keyID).Msg("failed to accrue key usage")
		}
	}

	if err := w.store.MarkLogsProcessed(ctx, processedIDs); err != nil {
		return fmt.Errorf("mark logs processed: %w", err)
	}

	w.logger.Info().
		Int("logs_processed", len(processedIDs)).
		Int("orgs_charged", len(orgCost)).
		Int("keys_accrued", len(keyCost)).
		Msg("batch credit processing complete")

	w.lastTouchedOrgs = touchedOrgs
	return nil
}

// processAutoTopUp attempts a Stripe off-session charge for every recently
// charged organisation that has opted into auto top-up and fallen below its
// configured threshold. Credits are not incremented here: the Stripe
// webhook (out of scope for this package) is the only writer of a
// successful top-up's credit grant, so this only creates a pending
// Transaction row and then records either its payment intent id or, when
// the Stripe call fails, a failed status.
func (w *Worker) processAutoTopUp(ctx context.Context) {
	if w.stripe == nil {
		return
	}
	acquired, err := w.store.TryAcquireLock(ctx, autoTopUpLockKey, lockTTL)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to acquire auto_topup_check lock")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := w.store.ReleaseLock(ctx, autoTopUpLockKey); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release auto_topup_check lock")
		}
	}()

	for orgID := range w.lastTouchedOrgs {
		org, err := w.store.GetOrganization(ctx, orgID)
		if err != nil || org == nil || !org.AutoTopUpEnabled {
			continue
		}
		if org.Credits >= org.AutoTopUpThreshold {
			continue
		}

		recent, err := w.store.RecentTransaction(ctx, orgID, time.Hour)
		if err != nil {
			w.logger.Warn().Err(err).Str("org_id", orgID).Msg("failed to check recent top-up transaction")
			continue
		}
		if recent != nil && (recent.Status == "pending" || recent.Status == "failed") {
			continue
		}

		fee, total := calculateFees(org.AutoTopUpAmount)
		txn := &store.Transaction{
			ID:             fmt.Sprintf("topup_%s_%d", orgID, time.Now().Unix()),
			OrganizationID: orgID,
			Type:           "credit_topup",
			CreditAmount:   org.AutoTopUpAmount,
			Amount:         total,
			Currency:       "usd",
			Status:         "pending",
			CreatedAt:      time.Now(),
		}
		if err := w.store.PutTransaction(ctx, txn); err != nil {
			w.logger.Error().Err(err).Str("org_id", orgID).Msg("failed to persist pending top-up transaction")
			continue
		}

		pi, err := w.stripe.PaymentIntents.New(&stripe.PaymentIntentParams{
			Amount:        stripe.Int64(int64(total * 100)),
			Currency:      stripe.String(string(stripe.CurrencyUSD)),
			Customer:      stripe.String(org.StripeCustomerID),
			Confirm:       stripe.Bool(true),
			OffSession:    stripe.Bool(true),
		})
		if err != nil {
			txn.Status = "failed"
			_ = w.store.PutTransaction(ctx, txn)
			w.logger.Warn().Err(err).Str("org_id", orgID).Msg("stripe auto top-up charge failed")
			continue
		}

		txn.StripePaymentIntentID = pi.ID
		if err := w.store.PutTransaction(ctx, txn); err != nil {
			w.logger.Error().Err(err).Str("org_id", orgID).Msg("failed to record payment intent id")
		}
		w.logger.Info().Str("org_id", orgID).Float64("amount", total).Str("fee_excl", fmt.Sprintf("%.2f", fee)).
			Msg("auto top-up payment intent created")
	}
}

// calculateFees centralises the platform's card-processing fee math: the
// standard Stripe rate plus a 1.5% international-card surcharge, applied to
// the requested credit amount to get the total the customer is charged.
// The surcharge is always included; the card's country is not checked.
func calculateFees(creditAmount float64) (fee, total float64) {
	fee = creditAmount*stripeFeePercent + stripeFeeFixed + creditAmount*internationalSurcharge
	total = creditAmount + fee
	return fee, total
}
