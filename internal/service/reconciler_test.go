package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

func walletCallback(gw *payment.WalletGateway, merchantID, txnID, orderNumber, amount, code string) map[string]string {
	fields := map[string]string{
		payment.FieldMerchantID:    merchantID,
		payment.FieldTransactionID: txnID,
		payment.FieldOrderID:       orderNumber,
		payment.FieldAmount:        amount,
		payment.FieldCurrency:      "PKR",
		payment.FieldResponseCode:  code,
	}
	fields[payment.FieldSecureHash] = gw.Sign(fields)
	return fields
}

func cardEvent(t *testing.T, eventID, eventType, intentID, orderNumber string, minorAmount int64) ([]byte, string) {
	t.Helper()
	return cardEventIn(t, "pkr", eventID, eventType, intentID, orderNumber, minorAmount)
}

func cardEventIn(t *testing.T, currency, eventID, eventType, intentID, orderNumber string, minorAmount int64) ([]byte, string) {
	t.Helper()
	body := fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "data": {
    "object": {
      "id": %q,
      "object": "payment_intent",
      "amount": %d,
      "currency": %q,
      "metadata": {"order_number": %q}
    }
  }
}`, eventID, eventType, intentID, minorAmount, currency, orderNumber)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testCardWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestCheckoutThenWalletCallback_AppliedOnce(t *testing.T) {
	order := pendingOrder("o-1", "ORD-20261015-0001", "7050")
	f := newFixture(order)
	ctx := context.Background()

	result := f.payments.Process(ctx, requestFor(order, payment.MethodJazzCash))
	require.True(t, result.Success, result.Errors)
	assert.True(t, result.Fee.Equal(dec("106")))
	assert.Contains(t, result.Message, "initiated via")

	callback := walletCallback(f.jazzCash, "MC100", result.TransactionID, order.OrderNumber, "7156.00", "000")

	outcome, err := f.reconciler.ReconcileWallet(ctx, payment.ProviderJazzCash, callback)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.orders.get("o-1")
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)

	txn, ok := f.txns.get(result.TransactionID)
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusCompleted, txn.Status)
	assert.Equal(t, 1, f.txns.count())

	var raw map[string]string
	require.NoError(t, json.Unmarshal(txn.GatewayResponse, &raw))
	assert.Equal(t, "000", raw[payment.FieldResponseCode])
	assert.Equal(t, "7156.00", raw[payment.FieldAmount])

	outcome, err = f.reconciler.ReconcileWallet(ctx, payment.ProviderJazzCash, callback)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Len(t, f.notifier.confirmed, 1)
	assert.Equal(t, 1, f.txns.count())
}

func TestReconcileWallet_ReplayWithoutDeliveryCache(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)
	r := NewReconciler(f.catalog, f.orders, f.txns, nil, f.notifier, f.verifier, f.jazzCash, f.easyPaisa)
	callback := walletCallback(f.easyPaisa, "ST200", "EP-1", "ORD-1", "7156.00", "0000")

	first, err := r.ReconcileWallet(context.Background(), payment.ProviderEasyPaisa, callback)
	require.NoError(t, err)
	second, err := r.ReconcileWallet(context.Background(), payment.ProviderEasyPaisa, callback)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.Equal(t, 1, f.orders.applied)
	assert.Len(t, f.notifier.confirmed, 1)
}

func TestReconcileWallet_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)
	r := NewReconciler(f.catalog, f.orders, f.txns, nil, f.notifier, f.verifier, f.jazzCash, f.easyPaisa)
	callback := walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-1", "7156.00", "000")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = r.ReconcileWallet(context.Background(), payment.ProviderJazzCash, callback)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeApplied:
			applied++
		case OutcomeDuplicate:
		default:
			t.Errorf("unexpected outcome %s", o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.orders.applied)
	assert.Len(t, f.notifier.confirmed, 1)
}

func TestReconcileWallet_Outcomes(t *testing.T) {
	tests := []struct {
		name          string
		code          string
		amount        string
		wantStatus    string
		wantPayment   string
		wantFailed    int
		wantFailCause string
	}{
		{"pending code", "0001", "7156.00", models.OrderStatusPending, models.PaymentStatusPending, 0, ""},
		{"declined code", "0003", "7156.00", models.OrderStatusPaymentFailed, models.PaymentStatusFailed, 1, "0003"},
		{"underpaid success", "0000", "5000.00", models.OrderStatusPaymentFailed, models.PaymentStatusFailed, 1, "amount_mismatch"},
		{"order total without fee", "0000", "7050.00", models.OrderStatusPaymentFailed, models.PaymentStatusFailed, 1, "amount_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := pendingOrder("o-1", "ORD-1", "7050")
			f := newFixture(order)

			outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderEasyPaisa,
				walletCallback(f.easyPaisa, "ST200", "EP-1", "ORD-1", tt.amount, tt.code))

			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, outcome)

			stored := f.orders.get("o-1")
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantPayment, stored.PaymentStatus)
			assert.Empty(t, f.notifier.confirmed)
			require.Len(t, f.notifier.failed, tt.wantFailed)
			if tt.wantFailed > 0 {
				assert.Equal(t, tt.wantFailCause, f.notifier.failed[0].Reason)
				assert.Equal(t, "ayesha@example.pk", f.notifier.failed[0].CustomerEmail)
			}
		})
	}
}

func TestReconcileWallet_SuccessMustCoverFee(t *testing.T) {
	order := pendingOrder("o-1", "ORD-20261015-0001", "7050")
	f := newFixture(order)
	ctx := context.Background()

	result := f.payments.Process(ctx, requestFor(order, payment.MethodJazzCash))
	require.True(t, result.Success, result.Errors)
	require.True(t, result.Total.Equal(dec("7156")))

	outcome, err := f.reconciler.ReconcileWallet(ctx, payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", result.TransactionID, order.OrderNumber, "7050.00", "000"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	stored := f.orders.get("o-1")
	assert.Equal(t, models.OrderStatusPaymentFailed, stored.Status)
	assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
	assert.Empty(t, f.notifier.confirmed)
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "amount_mismatch", f.notifier.failed[0].Reason)
}

func TestReconcileWallet_ForeignCurrencyNotConfirmed(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)

	callback := map[string]string{
		payment.FieldMerchantID:    "MC100",
		payment.FieldTransactionID: "JC-1",
		payment.FieldOrderID:       "ORD-1",
		payment.FieldAmount:        "7156.00",
		payment.FieldCurrency:      "USD",
		payment.FieldResponseCode:  "000",
	}
	callback[payment.FieldSecureHash] = f.jazzCash.Sign(callback)

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, callback)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	stored := f.orders.get("o-1")
	assert.Equal(t, models.OrderStatusPaymentFailed, stored.Status)
	assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
	assert.Empty(t, f.notifier.confirmed)
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "currency_mismatch", f.notifier.failed[0].Reason)
}

func TestReconcileWallet_MissingCurrencyNotConfirmed(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)

	callback := walletCallback(f.easyPaisa, "ST200", "EP-1", "ORD-1", "7156.00", "0000")
	delete(callback, payment.FieldCurrency)
	delete(callback, payment.FieldSecureHash)
	callback[payment.FieldSecureHash] = f.easyPaisa.Sign(callback)

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderEasyPaisa, callback)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.NotEqual(t, models.PaymentStatusCompleted, f.orders.get("o-1").PaymentStatus)
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "currency_mismatch", f.notifier.failed[0].Reason)
}

func TestReconcileWallet_LateSuccessAfterFailure(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	order.Status = models.OrderStatusPaymentFailed
	order.PaymentStatus = models.PaymentStatusFailed
	f := newFixture(order)

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", "JC-2", "ORD-1", "7156.00", "121"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.PaymentStatusCompleted, f.orders.get("o-1").PaymentStatus)
}

func TestReconcileWallet_FailureAfterCompletionIgnored(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	order.Status = models.OrderStatusConfirmed
	order.PaymentStatus = models.PaymentStatusCompleted
	f := newFixture(order)

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", "JC-3", "ORD-1", "7156.00", "999"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	stored := f.orders.get("o-1")
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Empty(t, f.notifier.failed)
}

func TestReconcileWallet_CancelledOrderKeepsLog(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	order.Status = models.OrderStatusCancelled
	f := newFixture(order)

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", "JC-4", "ORD-1", "7156.00", "000"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.OrderStatusCancelled, f.orders.get("o-1").Status)
	assert.Equal(t, 1, f.txns.count())
}

func TestReconcileWallet_Rejections(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)

	tampered := walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-1", "7156.00", "000")
	tampered[payment.FieldAmount] = "1.00"

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, tampered)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	// signed by the other wallet's secret
	crossSigned := walletCallback(f.easyPaisa, "MC100", "JC-1", "ORD-1", "7156.00", "000")
	outcome, err = f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, crossSigned)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	outcome, err = f.reconciler.ReconcileWallet(context.Background(), "paypal", tampered)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, payment.ErrMalformedPayload)

	badAmount := walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-1", "lots", "000")
	outcome, err = f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, badAmount)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, payment.ErrMalformedPayload)

	assert.Equal(t, models.OrderStatusPending, f.orders.get("o-1").Status)
	assert.Zero(t, f.txns.count())
}

func TestReconcileWallet_UnknownOrder(t *testing.T) {
	f := newFixture()

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-404", "7156.00", "000"))

	assert.NoError(t, err)
	assert.Equal(t, OutcomeOrderMissing, outcome)
	assert.Zero(t, f.txns.count())
}

func TestReconcileWallet_StoreFailureIsRetryable(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)
	f.orders.err = errStoreDown
	callback := walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-1", "7156.00", "000")

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, callback)
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, errStoreDown)

	// no delivery marker was written, so the provider's retry still lands
	f.orders.err = nil
	outcome, err = f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash, callback)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestReconcileWallet_PublishFailureDoesNotFailDelivery(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "7050")
	f := newFixture(order)
	f.notifier.err = fmt.Errorf("kafka unavailable")

	outcome, err := f.reconciler.ReconcileWallet(context.Background(), payment.ProviderJazzCash,
		walletCallback(f.jazzCash, "MC100", "JC-1", "ORD-1", "7156.00", "000"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.PaymentStatusCompleted, f.orders.get("o-1").PaymentStatus)
}

func TestReconcileCard_Succeeded(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "10000")
	f := newFixture(order)
	body, header := cardEvent(t, "evt_1", "payment_intent.succeeded", "pi_test_1", "ORD-1", 1032000)

	outcome, err := f.reconciler.ReconcileCard(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.orders.get("o-1")
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Equal(t, payment.MethodCard, stored.PaymentMethod)

	txn, ok := f.txns.get("pi_test_1")
	require.True(t, ok)
	assert.True(t, txn.Amount.Equal(dec("10320")))

	outcome, err = f.reconciler.ReconcileCard(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestReconcileCard_SuccessChecksCurrencyAndCharge(t *testing.T) {
	tests := []struct {
		name     string
		currency string
		minor    int64
		reason   string
	}{
		{"foreign currency", "usd", 1032000, "currency_mismatch"},
		{"order total without fee", "pkr", 1000000, "amount_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := pendingOrder("o-1", "ORD-1", "10000")
			f := newFixture(order)
			body, header := cardEventIn(t, tt.currency, "evt_1", "payment_intent.succeeded", "pi_test_1", "ORD-1", tt.minor)

			outcome, err := f.reconciler.ReconcileCard(context.Background(), body, header)

			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, outcome)
			assert.Equal(t, models.OrderStatusPaymentFailed, f.orders.get("o-1").Status)
			assert.Empty(t, f.notifier.confirmed)
			require.Len(t, f.notifier.failed, 1)
			assert.Equal(t, tt.reason, f.notifier.failed[0].Reason)
		})
	}
}

func TestReconcileCard_PaymentFailed(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "10000")
	f := newFixture(order)
	body, header := cardEvent(t, "evt_2", "payment_intent.payment_failed", "pi_test_1", "ORD-1", 1032000)

	outcome, err := f.reconciler.ReconcileCard(context.Background(), body, header)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.OrderStatusPaymentFailed, f.orders.get("o-1").Status)
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "payment_intent.payment_failed", f.notifier.failed[0].Reason)
}

func TestReconcileCard_IgnoresOtherEvents(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "10000")
	f := newFixture(order)
	body, header := cardEvent(t, "evt_3", "payment_intent.created", "pi_test_1", "ORD-1", 1032000)

	outcome, err := f.reconciler.ReconcileCard(context.Background(), body, header)

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.OrderStatusPending, f.orders.get("o-1").Status)
}

func TestReconcileCard_BadSignature(t *testing.T) {
	order := pendingOrder("o-1", "ORD-1", "10000")
	f := newFixture(order)
	body, _ := cardEvent(t, "evt_1", "payment_intent.succeeded", "pi_test_1", "ORD-1", 1032000)

	outcome, err := f.reconciler.ReconcileCard(context.Background(), body, "t=1,v1=deadbeef")

	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)
	assert.Equal(t, models.OrderStatusPending, f.orders.get("o-1").Status)
}
