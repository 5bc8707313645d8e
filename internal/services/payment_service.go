package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientInfo is the request metadata recorded on audit entries
type ClientInfo struct {
	IP        string
	UserAgent string
	Device    string
}

// PaymentService owns Transaction.status: it creates payment intents,
// reconciles them against the gateway that issued them and executes refunds.
// Gateway I/O never runs under a booking lock.
type PaymentService struct {
	store    database.Store
	gateways *payment.Registry
	locker   BookingLocker
	events   emitter
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(store database.Store, gateways *payment.Registry, locker BookingLocker, publisher EventPublisher, logger *logrus.Logger) *PaymentService {
	return &PaymentService{
		store:    store,
		gateways: gateways,
		locker:   locker,
		events:   emitter{publisher: publisher, logger: logger},
		logger:   logger,
		now:      time.Now,
	}
}

// Gateways lists the configured gateway names
func (s *PaymentService) Gateways() []string {
	return s.gateways.Names()
}

// CreateIntent starts a payment for a PENDING booking with the requested gateway.
// The gateway is recorded on the transaction so every later call routes to it.
func (s *PaymentService) CreateIntent(ctx context.Context, bookingID, actorID uuid.UUID, req *models.CreatePaymentRequest, client ClientInfo) (*models.CreatePaymentResponse, error) {
	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, models.NewValidationError("unsupported gateway %q", req.Gateway)
	}

	now := s.now()
	var (
		b   *models.Booking
		txn *models.Transaction
	)
	err = withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, actorID, models.CapabilityPay); err != nil {
			return err
		}
		if b.Status != models.BookingStatusPending {
			return models.NewStateConflictError(b.Status, "pay for")
		}

		txn = &models.Transaction{
			ID:        uuid.New(),
			BookingID: b.ID,
			Kind:      models.TransactionKindBookingPayment,
			Gateway:   gw.Name(),
			Amount:    b.Amount,
			Currency:  b.Currency,
			Status:    models.TransactionStatusCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Transactions().Create(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	intent, err := gw.CreateIntent(ctx, payment.IntentRequest{
		BookingID:   b.ID.String(),
		InvoiceID:   txn.ID.String(),
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Description: fmt.Sprintf("Consultation booking %s", b.ID),
		Payer: payment.PayerInfo{
			Name:        req.Payer.Name,
			Email:       req.Payer.Email,
			Phone:       req.Payer.Phone,
			SourceToken: req.Payer.SourceToken,
			ReturnURL:   req.Payer.ReturnURL,
		},
		IdempotencyKey: txn.IdempotencyKey(),
	})
	// the intent may exist at the provider even if the caller went away
	writeCtx := context.WithoutCancel(ctx)

	if err != nil {
		reason := err.Error()
		failed := *txn
		failed.Status = models.TransactionStatusFailed
		failed.FailureReason = &reason
		failed.UpdatedAt = s.now()
		if uerr := s.store.Transactions().Update(writeCtx, &failed, models.TransactionStatusCreated); uerr != nil {
			s.logger.WithError(uerr).WithField("transaction_id", txn.ID).Error("Failed to mark payment intent failed")
		}

		audit := models.NewPaymentAudit(models.PaymentEventIntentFailed, models.PaymentSourceUser).
			SetTransaction(&failed).
			SetError(err).
			SetClient(client.IP, client.UserAgent, client.Device).
			SetProcessingTime(start)
		s.audit(writeCtx, audit)

		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": b.ID,
			"gateway":    gw.Name(),
		}).Error("Failed to create payment intent")
		return nil, models.NewGatewayError(gw.Name(), err)
	}

	txn.Status = models.TransactionStatusPending
	txn.GatewayRef = &intent.Ref
	if intent.RedirectURL != "" {
		txn.RedirectURL = &intent.RedirectURL
	}
	txn.UpdatedAt = s.now()
	if err := s.store.Transactions().Update(writeCtx, txn, models.TransactionStatusCreated); err != nil {
		return nil, fmt.Errorf("failed to store payment intent: %w", err)
	}

	audit := models.NewPaymentAudit(models.PaymentEventIntentCreated, models.PaymentSourceUser).
		SetTransaction(txn).
		SetStatus(intent.RawStatus).
		SetIdempotencyKey(txn.IdempotencyKey()).
		SetClient(client.IP, client.UserAgent, client.Device).
		SetProcessingTime(start)
	audit.SetAmounts(b.Amount, txn.Amount)
	s.audit(writeCtx, audit)

	s.logger.WithFields(logrus.Fields{
		"booking_id":     b.ID,
		"transaction_id": txn.ID,
		"gateway":        txn.Gateway,
		"gateway_ref":    intent.Ref,
	}).Info("Payment intent created")

	return &models.CreatePaymentResponse{
		TransactionID: txn.ID,
		BookingID:     b.ID,
		Gateway:       txn.Gateway,
		Status:        txn.Status,
		RedirectURL:   intent.RedirectURL,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
	}, nil
}

// CheckStatus verifies a booking payment with its gateway and applies the result
func (s *PaymentService) CheckStatus(ctx context.Context, bookingID, transactionID, actorID uuid.UUID) (*models.PaymentStatusResponse, error) {
	txn, err := s.store.Transactions().GetByID(ctx, transactionID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && txn.BookingID != bookingID) {
		return nil, models.NewNotFoundError("transaction", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	b, err := s.store.Bookings().GetByID(ctx, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, models.NewNotFoundError("booking", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if err := authorize(b, actorID, models.CapabilityView); err != nil {
		return nil, err
	}
	if txn.Kind != models.TransactionKindBookingPayment {
		return nil, models.NewValidationError("transaction %s is not a booking payment", txn.ID)
	}

	return s.Reconcile(ctx, txn, models.PaymentSourceUser)
}

// HandleWebhook authenticates a gateway callback and reconciles the payment it
// names. A nil response with a nil error means the callback was authentic but
// carried nothing to apply.
func (s *PaymentService) HandleWebhook(ctx context.Context, gatewayName string, payload []byte, header http.Header, client ClientInfo) (*models.PaymentStatusResponse, error) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, models.NewNotFoundKeyError("gateway", gatewayName)
	}
	parser, ok := gw.(payment.WebhookParser)
	if !ok {
		return nil, models.NewValidationError("gateway %s does not accept webhooks", gatewayName)
	}

	ref, err := parser.ParseWebhook(ctx, payload, header)
	switch {
	case errors.Is(err, payment.ErrIgnoredWebhook):
		s.logger.WithField("gateway", gatewayName).Debug("Ignoring webhook event")
		return nil, nil
	case errors.Is(err, payment.ErrInvalidWebhook):
		audit := models.NewPaymentAudit(models.PaymentEventWebhookRejected, models.PaymentSourceWebhook).
			SetGateway(gatewayName, "").
			SetError(err).
			SetClient(client.IP, client.UserAgent, client.Device)
		s.audit(ctx, audit)
		s.logger.WithError(err).WithField("gateway", gatewayName).Warn("Rejected webhook")
		return nil, models.NewValidationError("invalid webhook payload")
	case err != nil:
		return nil, models.NewGatewayError(gatewayName, err)
	}

	audit := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceWebhook).
		SetGateway(gatewayName, ref).
		SetClient(client.IP, client.UserAgent, client.Device)

	txn, err := s.store.Transactions().GetByGatewayRef(ctx, gatewayName, ref)
	if errors.Is(err, database.ErrNotFound) {
		s.audit(ctx, audit.SetError(errors.New("unknown gateway reference")))
		s.logger.WithFields(logrus.Fields{
			"gateway":     gatewayName,
			"gateway_ref": ref,
		}).Warn("Webhook for unknown payment")
		return nil, models.NewNotFoundKeyError("transaction for reference", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	s.audit(ctx, audit.SetTransaction(txn))

	return s.Reconcile(ctx, txn, models.PaymentSourceWebhook)
}

// Reconcile fetches the authoritative status of txn from its gateway and
// applies it. Only created/pending payments move, plus failed -> completed for
// a retried charge. A completed payment confirms its PENDING booking; one that
// lands on a cancelled booking, or next to another completed payment, is
// refunded in full. Replays come back with AlreadyProcessed set.
func (s *PaymentService) Reconcile(ctx context.Context, txn *models.Transaction, source models.PaymentEventSource) (*models.PaymentStatusResponse, error) {
	gw, err := s.gateways.Get(txn.Gateway)
	if err != nil {
		return nil, models.NewGatewayError(txn.Gateway, err)
	}

	if txn.GatewayRef == nil {
		b, err := s.store.Bookings().GetByID(ctx, txn.BookingID)
		if err != nil {
			return nil, fmt.Errorf("failed to load booking: %w", err)
		}
		return &models.PaymentStatusResponse{
			TransactionID:     txn.ID,
			TransactionStatus: txn.Status,
			BookingID:         b.ID,
			BookingStatus:     b.Status,
		}, nil
	}

	start := time.Now()
	v, err := gw.VerifyStatus(ctx, *txn.GatewayRef)
	if err != nil {
		audit := models.NewPaymentAudit(models.PaymentEventError, source).
			SetTransaction(txn).
			SetError(err).
			SetProcessingTime(start)
		s.audit(ctx, audit)
		return nil, models.NewGatewayError(txn.Gateway, err)
	}

	target := transactionStatusFor(v.Status)
	audit := models.NewPaymentAudit(models.PaymentEventStatusChecked, source).
		SetTransaction(txn).
		SetStatus(string(v.Status)).
		SetPayload(map[string]interface{}{"raw_status": v.RawStatus}).
		SetProcessingTime(start)

	if target == models.TransactionStatusCompleted {
		amountsMatch := audit.SetAmounts(txn.Amount, v.PaidAmount)
		currencyMatch := v.Currency == "" || strings.EqualFold(v.Currency, txn.Currency)
		if !amountsMatch || !currencyMatch {
			mismatch := fmt.Errorf("gateway reports %d %s paid, expected %d %s", v.PaidAmount, v.Currency, txn.Amount, txn.Currency)
			s.audit(ctx, audit)
			s.audit(ctx, models.NewPaymentAudit(models.PaymentEventReconciliationMismatch, source).
				SetTransaction(txn).
				SetError(mismatch))
			s.logger.WithFields(logrus.Fields{
				"transaction_id": txn.ID,
				"expected":       txn.Amount,
				"received":       v.PaidAmount,
				"currency":       v.Currency,
			}).Error("Payment amount mismatch")
			return nil, models.NewGatewayError(txn.Gateway, mismatch)
		}
	}
	s.audit(ctx, audit)

	now := s.now()
	var (
		resp      *models.PaymentStatusResponse
		events    []models.LifecycleEvent
		paid      *models.Transaction
		refundTxn *models.Transaction
		changed   bool
	)
	err = withBookingLock(ctx, s.locker, s.store, txn.BookingID, func(tx database.Tx) error {
		b, err := loadBookingForUpdate(ctx, tx, txn.BookingID)
		if err != nil {
			return err
		}
		cur, err := tx.Transactions().GetByID(ctx, txn.ID)
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		resp = &models.PaymentStatusResponse{
			TransactionID:     cur.ID,
			TransactionStatus: cur.Status,
			BookingID:         b.ID,
			BookingStatus:     b.Status,
		}

		if cur.Status == target || !canApplyGatewayStatus(cur.Status, target) {
			if target == models.TransactionStatusCompleted && cur.Status == target && b.Status == models.BookingStatusPending {
				// the transaction moved but the confirmation did not
				ev, err := applyPaymentConfirmed(ctx, tx, b, cur, now)
				if err != nil {
					return err
				}
				events = append(events, *ev)
				resp.BookingStatus = b.Status
				changed = true
				return nil
			}
			resp.AlreadyProcessed = cur.Status.IsFinal()
			return nil
		}

		var prior *models.Transaction
		if target == models.TransactionStatusCompleted {
			prior, err = tx.Transactions().GetCompletedPayment(ctx, b.ID)
			if errors.Is(err, database.ErrNotFound) {
				prior = nil
			} else if err != nil {
				return fmt.Errorf("failed to load payment: %w", err)
			}
		}

		from := cur.Status
		cur.Status = target
		cur.UpdatedAt = now
		if target == models.TransactionStatusFailed || target == models.TransactionStatusCancelled {
			reason := fmt.Sprintf("gateway reported %s", v.RawStatus)
			cur.FailureReason = &reason
		}
		if err := tx.Transactions().Update(ctx, cur, from); err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		resp.TransactionStatus = cur.Status
		changed = true

		if target != models.TransactionStatusCompleted {
			return nil
		}

		switch {
		case b.Status == models.BookingStatusPending && prior == nil:
			ev, err := applyPaymentConfirmed(ctx, tx, b, cur, now)
			if err != nil {
				return err
			}
			events = append(events, *ev)
			resp.BookingStatus = b.Status
		case b.Status == models.BookingStatusCancelled || prior != nil:
			paid = cur
			refundTxn = newRefundTransaction(cur, cur.Amount, now)
			if err := tx.Transactions().Create(ctx, refundTxn); err != nil {
				return fmt.Errorf("failed to record refund: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventStatusApplied, source).
			SetTransaction(txn).
			SetStatus(string(resp.TransactionStatus)))
	} else if resp.AlreadyProcessed {
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventDuplicate, source).
			SetTransaction(txn).
			SetStatus(string(v.Status)).
			MarkAsDuplicate())
	}

	s.logger.WithFields(logrus.Fields{
		"transaction_id":    txn.ID,
		"booking_id":        txn.BookingID,
		"gateway_status":    v.Status,
		"transaction_state": resp.TransactionStatus,
		"booking_status":    resp.BookingStatus,
		"already_processed": resp.AlreadyProcessed,
		"source":            source,
	}).Info("Payment reconciled")

	s.events.emit(ctx, events...)

	if refundTxn != nil {
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventLatePayment, source).SetTransaction(paid))
		s.logger.WithFields(logrus.Fields{
			"transaction_id": paid.ID,
			"booking_id":     paid.BookingID,
			"booking_status": resp.BookingStatus,
		}).Warn("Payment completed for a booking that cannot take it, refunding")
		s.executeRefund(context.WithoutCancel(ctx), paid, refundTxn)
	}
	return resp, nil
}

// ReconcileOpenPayments verifies every created/pending payment of the booking.
// It reports whether one of them confirmed the booking.
func (s *PaymentService) ReconcileOpenPayments(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	open, err := s.store.Transactions().ListOpenPayments(ctx, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to list open payments: %w", err)
	}

	confirmed := false
	var errs []error
	for i := range open {
		resp, err := s.Reconcile(ctx, &open[i], models.PaymentSourceSweeper)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.BookingStatus == models.BookingStatusConfirmed {
			confirmed = true
		}
	}
	return confirmed, errors.Join(errs...)
}

// executeRefund calls the gateway for a pending refund transaction and records
// the outcome. A failed call on a binding without idempotency keys is checked
// with VerifyStatus before it is treated as failed, so a refund that moved
// money is never reported as lost nor repeated.
func (s *PaymentService) executeRefund(ctx context.Context, paid, refundTxn *models.Transaction) models.TransactionStatus {
	start := time.Now()
	s.audit(ctx, models.NewPaymentAudit(models.PaymentEventRefundInitiated, models.PaymentSourceSystem).
		SetTransaction(refundTxn).
		SetIdempotencyKey(refundTxn.IdempotencyKey()))

	var refundRef string
	err := func() error {
		gw, err := s.gateways.Get(refundTxn.Gateway)
		if err != nil {
			return err
		}
		if paid.GatewayRef == nil {
			return errors.New("payment has no gateway reference")
		}

		refundRef, err = gw.Refund(ctx, *paid.GatewayRef, refundTxn.Amount, refundTxn.IdempotencyKey())
		if err == nil || gw.Idempotent() {
			return err
		}

		v, verr := gw.VerifyStatus(ctx, *paid.GatewayRef)
		if verr == nil && v.RefundedAmount != nil && *v.RefundedAmount >= refundTxn.Amount {
			s.logger.WithError(err).WithField("refund_transaction_id", refundTxn.ID).
				Warn("Refund call failed but gateway shows the refund, treating as refunded")
			return nil
		}
		return err
	}()

	result := *refundTxn
	result.UpdatedAt = s.now()
	if err != nil {
		reason := err.Error()
		result.Status = models.TransactionStatusFailed
		result.FailureReason = &reason
	} else {
		result.Status = models.TransactionStatusRefunded
		if refundRef != "" {
			result.GatewayRef = &refundRef
		}
	}

	uerr := s.store.WithinTx(ctx, func(tx database.Tx) error {
		if err := tx.Transactions().Update(ctx, &result, models.TransactionStatusPending); err != nil {
			return err
		}
		if result.Status != models.TransactionStatusRefunded || refundTxn.Amount < paid.Amount {
			return nil
		}
		refunded := *paid
		refunded.Status = models.TransactionStatusRefunded
		refunded.UpdatedAt = result.UpdatedAt
		return tx.Transactions().Update(ctx, &refunded, models.TransactionStatusCompleted)
	})
	if uerr != nil {
		s.logger.WithError(uerr).WithField("refund_transaction_id", refundTxn.ID).Error("Failed to record refund outcome")
	}

	eventType := models.PaymentEventRefundCompleted
	if err != nil {
		eventType = models.PaymentEventRefundFailed
	}
	audit := models.NewPaymentAudit(eventType, models.PaymentSourceSystem).
		SetTransaction(&result).
		SetError(err).
		SetProcessingTime(start)
	audit.ExpectedAmount = &refundTxn.Amount
	s.audit(ctx, audit)

	fields := logrus.Fields{
		"booking_id":            refundTxn.BookingID,
		"refund_transaction_id": refundTxn.ID,
		"gateway":               refundTxn.Gateway,
		"amount":                refundTxn.Amount,
	}
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Refund failed")
	} else {
		s.logger.WithFields(fields).Info("Refund issued")
	}

	data := models.RefundIssuedData{
		RefundTransactionID:  refundTxn.ID,
		PaymentTransactionID: paid.ID,
		Gateway:              refundTxn.Gateway,
		Amount:               refundTxn.Amount,
		Currency:             refundTxn.Currency,
		Status:               result.Status,
		GatewayRef:           refundRef,
	}
	if err != nil {
		data.Error = err.Error()
	}
	s.events.emit(ctx, models.NewLifecycleEvent(models.EventRefundIssued, refundTxn.BookingID, s.now(), data))

	return result.Status
}

func (s *PaymentService) audit(ctx context.Context, audit *models.PaymentAudit) {
	if err := s.store.Audits().Log(context.WithoutCancel(ctx), audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).Error("Failed to write payment audit")
	}
}

// canApplyGatewayStatus reports whether a verified gateway status may move a
// transaction currently in from
func canApplyGatewayStatus(from, to models.TransactionStatus) bool {
	switch from {
	case models.TransactionStatusCreated, models.TransactionStatusPending:
		return to != models.TransactionStatusCreated
	case models.TransactionStatusFailed:
		return to == models.TransactionStatusCompleted
	}
	return false
}

func transactionStatusFor(s payment.Status) models.TransactionStatus {
	switch s {
	case payment.StatusCompleted:
		return models.TransactionStatusCompleted
	case payment.StatusFailed:
		return models.TransactionStatusFailed
	case payment.StatusCancelled:
		return models.TransactionStatusCancelled
	default:
		return models.TransactionStatusPending
	}
}
