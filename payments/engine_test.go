package payments_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niceverygood/heart-engine/ledger"
	memstore "github.com/niceverygood/heart-engine/ledger/store"
	"github.com/niceverygood/heart-engine/payments"
)

const testSecret = "whsec_test"

// =============================================================================
// TEST SETUP
// =============================================================================

// stubGateway is a scriptable in-memory gateway.
type stubGateway struct {
	mu        sync.Mutex
	results   map[string]*payments.PollResult
	err       error
	getCalls  int
	cancelled []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{results: make(map[string]*payments.PollResult)}
}

func (g *stubGateway) setPayment(ref, status string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[ref] = &payments.PollResult{
		ExternalRef: ref,
		Status:      status,
		Amount:      decimal.NewFromInt(amount),
		PayMethod:   "card",
	}
}

func (g *stubGateway) GetPayment(_ context.Context, ref string) (*payments.PollResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if g.err != nil {
		return nil, g.err
	}
	res, ok := g.results[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment %s", ledger.ErrUpstreamUnavailable, ref)
	}
	cp := *res
	return &cp, nil
}

func (g *stubGateway) CancelPayment(_ context.Context, ref, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.cancelled = append(g.cancelled, ref)
	return nil
}

func newTestEngine(t *testing.T) (*payments.Engine, *stubGateway) {
	t.Helper()
	gw := newStubGateway()
	led := ledger.New(memstore.NewMemory(), nil)
	engine := payments.NewEngine(led, gw, payments.DefaultPricing(), payments.NewVerifier(testSecret))
	return engine, gw
}

func signedWebhook(body string) (payload []byte, header string) {
	payload = []byte(body)
	return payload, payments.Sign(payload, testSecret, time.Now())
}

func paidWebhook(ref, userID string, amount int64) (payload []byte, header string) {
	return signedWebhook(fmt.Sprintf(
		`{"external_ref":%q,"status":"paid","amount":%d,"user_id":%q,"pay_method":"card","paid_at":1735689600}`,
		ref, amount, userID))
}

// =============================================================================
// WEBHOOK PATH TESTS
// =============================================================================

func TestWebhook_PaidEventCredits(t *testing.T) {
	// GIVEN: A fresh user at 150 hearts
	// WHEN: A signed paid webhook for a 1000-unit purchase arrives
	// THEN: 50 hearts credit under the purchase reference

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	outcome, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)

	assert.Equal(t, payments.OutcomeCredited, outcome.Status)
	assert.Equal(t, int64(50), outcome.Hearts)
	assert.Equal(t, int64(200), outcome.NewBalance)
	assert.NotEmpty(t, outcome.TransactionID)

	tx, err := engine.Ledger.FindByExternalRef(ctx, "ORDER-1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxPurchase, tx.Type)
	assert.Equal(t, "card", tx.PaymentMethod)
	assert.NotNil(t, tx.PaidAt)
}

func TestWebhook_BadSignatureNeverCredits(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	body, _ := paidWebhook("ORDER-1", "user-1", 1000)
	_, err := engine.CreditFromWebhook(ctx, body, payments.Sign(body, "wrong-secret", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnverifiableEvent)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestWebhook_NonPaidStatusIgnored(t *testing.T) {
	// Cancelled/failed/ready pushes are acknowledged, never credited.
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	for _, status := range []string{"ready", "failed", "cancelled"} {
		body, sig := signedWebhook(fmt.Sprintf(
			`{"external_ref":"ORDER-X","status":%q,"amount":1000,"user_id":"user-1"}`, status))
		outcome, err := engine.CreditFromWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, payments.OutcomeIgnored, outcome.Status, status)
	}

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestWebhook_UnparseableAmountIsUnverifiable(t *testing.T) {
	// GIVEN: A paid webhook whose amount is garbage (or missing)
	// WHEN: Processing it
	// THEN: No hearts move; the event is unverifiable, never defaulted

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	for _, payload := range []string{
		`{"external_ref":"ORDER-1","status":"paid","amount":"not-a-number","user_id":"user-1"}`,
		`{"external_ref":"ORDER-1","status":"paid","user_id":"user-1"}`,
		`{"external_ref":"ORDER-1","status":"paid","amount":null,"user_id":"user-1"}`,
		`{"external_ref":"ORDER-1","status":"paid","amount":0,"user_id":"user-1"}`,
	} {
		body, sig := signedWebhook(payload)
		_, err := engine.CreditFromWebhook(ctx, body, sig)
		require.Error(t, err, payload)
		assert.ErrorIs(t, err, ledger.ErrUnverifiableEvent, payload)
	}

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestWebhook_MissingReferenceRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	body, sig := signedWebhook(`{"status":"paid","amount":1000,"user_id":"user-1"}`)
	_, err := engine.CreditFromWebhook(context.Background(), body, sig)
	assert.ErrorIs(t, err, ledger.ErrUnverifiableEvent)
}

func TestWebhook_MerchantRefFallback(t *testing.T) {
	// When the gateway omits its charge id, the merchant order id keys
	// the purchase instead.
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	body, sig := signedWebhook(`{"merchant_ref":"MORDER-1","status":"paid","amount":2000,"user_id":"user-1"}`)
	outcome, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCredited, outcome.Status)

	tx, err := engine.Ledger.FindByExternalRef(ctx, "MORDER-1")
	require.NoError(t, err)
	require.NotNil(t, tx)
}

func TestWebhook_UnattributableEventQuarantined(t *testing.T) {
	// GIVEN: A verified paid webhook with no payer id
	// WHEN: Processing it
	// THEN: The event is stored pending_user_verification; no balance
	//       anywhere moves, and a replay cannot credit it later

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	body, sig := signedWebhook(`{"external_ref":"ORPHAN-1","status":"paid","amount":1000,"pay_method":"card"}`)
	outcome, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeQuarantine, outcome.Status)
	assert.Equal(t, int64(50), outcome.Hearts)

	tx, err := engine.Ledger.FindByExternalRef(ctx, "ORPHAN-1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.StatusPendingUserVerification, tx.Status)
	assert.Equal(t, ledger.UserUnattributed, tx.UserID)

	// Replay with a payer id attached: still no credit - the reference
	// is occupied until an operator resolves the quarantine
	body2, sig2 := paidWebhook("ORPHAN-1", "user-1", 1000)
	outcome2, err := engine.CreditFromWebhook(ctx, body2, sig2)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeQuarantine, outcome2.Status)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

// =============================================================================
// DUPLICATE DELIVERY TESTS
// =============================================================================

func TestDuplicateDeliveries_AnyMixOfPathsCreditsOnce(t *testing.T) {
	// GIVEN: The same purchase delivered webhook -> poll -> webhook
	// WHEN: All three process
	// THEN: Exactly one credit; duplicates return the prior outcome
	//       without error

	engine, gw := newTestEngine(t)
	ctx := context.Background()
	gw.setPayment("ORDER-1", payments.GatewayPaid, 1000)

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	first, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCredited, first.Status)

	second, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, second.Status)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	third, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, third.Status)
	assert.Equal(t, first.TransactionID, third.TransactionID)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)

	txs, err := engine.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "one purchase, one log entry")
}

func TestPoll_GuardShortCircuitsGatewayCall(t *testing.T) {
	// Once the webhook has won, polling must not hit the gateway at all.
	engine, gw := newTestEngine(t)
	ctx := context.Background()

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	_, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)

	outcome, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, outcome.Status)
	assert.Equal(t, 0, gw.getCalls)
}

// =============================================================================
// POLL PATH TESTS
// =============================================================================

func TestPoll_PaidPurchaseCredits(t *testing.T) {
	engine, gw := newTestEngine(t)
	ctx := context.Background()
	gw.setPayment("ORDER-1", payments.GatewayPaid, 5000)

	outcome, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCredited, outcome.Status)
	assert.Equal(t, int64(300), outcome.Hearts)
	assert.Equal(t, int64(450), outcome.NewBalance)
}

func TestPoll_CancelledAndFailedIgnored(t *testing.T) {
	engine, gw := newTestEngine(t)
	ctx := context.Background()

	for i, status := range []string{payments.GatewayCancelled, payments.GatewayFailed} {
		ref := fmt.Sprintf("ORDER-%d", i)
		gw.setPayment(ref, status, 1000)

		outcome, err := engine.CreditFromPoll(ctx, ref, "user-1")
		require.NoError(t, err)
		assert.Equal(t, payments.OutcomeIgnored, outcome.Status, status)
	}

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestPoll_NotYetPaidLeavesPending(t *testing.T) {
	// GIVEN: The gateway reports the charge as ready (not yet paid)
	// WHEN: The client polls
	// THEN: The purchase is recorded pending for the sweeper; no credit

	engine, gw := newTestEngine(t)
	ctx := context.Background()
	gw.setPayment("ORDER-1", payments.GatewayReady, 1000)

	outcome, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePending, outcome.Status)

	pending, err := engine.Ledger.Store().PendingPurchases(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ORDER-1", pending[0].ExternalRef)
	assert.Equal(t, ledger.UserID("user-1"), pending[0].UserID)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestPoll_UpstreamFailureLeavesPending(t *testing.T) {
	// The gateway being down is not a payment failure: record pending,
	// let the webhook or the sweeper finish the job.
	engine, gw := newTestEngine(t)
	ctx := context.Background()
	gw.err = fmt.Errorf("%w: connection refused", ledger.ErrUpstreamUnavailable)

	outcome, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePending, outcome.Status)

	pending, err := engine.Ledger.Store().PendingPurchases(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPoll_RequiresAuthenticatedUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreditFromPoll(ctx, "ORDER-1", "")
	assert.ErrorIs(t, err, ledger.ErrUnattributableUser)

	_, err = engine.CreditFromPoll(ctx, "", "user-1")
	assert.Error(t, err)
}

// =============================================================================
// NATIVE RECEIPT TESTS
// =============================================================================

func TestNativeReceipt_CreditsOnceByPlatformTxID(t *testing.T) {
	// GIVEN: An iOS in-app purchase receipt
	// WHEN: The client submits it twice
	// THEN: The platform transaction id keys the replay away

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	receipt := payments.NativeReceipt{
		Platform:      "ios",
		NativeTxID:    "1000000987654321",
		ProductID:     "hearts_100",
		Hearts:        100,
		Amount:        decimal.NewFromFloat(2.99),
		Currency:      "USD",
		PurchasedAtMS: time.Now().UnixMilli(),
	}

	first, err := engine.CreditFromNativeReceipt(ctx, "user-1", receipt)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCredited, first.Status)
	assert.Equal(t, int64(250), first.NewBalance)

	second, err := engine.CreditFromNativeReceipt(ctx, "user-1", receipt)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, second.Status)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	tx, err := engine.Ledger.FindByExternalRef(ctx, "1000000987654321")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxNativePurchase, tx.Type)
	assert.Equal(t, "inapp_ios", tx.PaymentMethod)
}

func TestNativeReceipt_InvalidReceiptsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []payments.NativeReceipt{
		{Platform: "windows", NativeTxID: "tx-1", Hearts: 100},
		{Platform: "ios", NativeTxID: "", Hearts: 100},
		{Platform: "android", NativeTxID: "tx-1", Hearts: 0},
		{Platform: "android", NativeTxID: "tx-1", Hearts: -100},
	}
	for i, receipt := range cases {
		_, err := engine.CreditFromNativeReceipt(ctx, "user-1", receipt)
		require.Error(t, err, "case %d", i)
		assert.ErrorIs(t, err, ledger.ErrUnverifiableEvent, "case %d", i)
	}

	_, err := engine.CreditFromNativeReceipt(ctx, "", payments.NativeReceipt{
		Platform: "ios", NativeTxID: "tx-1", Hearts: 100,
	})
	assert.ErrorIs(t, err, ledger.ErrUnattributableUser)
}

// =============================================================================
// PURCHASE REFUND TESTS
// =============================================================================

func TestRefundPurchase_ReversesHeartsAndKeepsBothEntries(t *testing.T) {
	// GIVEN: A completed 50-heart purchase
	// WHEN: The purchase is refunded
	// THEN: The charge cancels upstream, the hearts reverse, and the
	//       log shows the purchase (refunded) plus the reversal

	engine, gw := newTestEngine(t)
	ctx := context.Background()

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	_, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)

	res, err := engine.RefundPurchase(ctx, "ORDER-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.NewBalance)
	assert.Equal(t, []string{"ORDER-1"}, gw.cancelled)

	txs, err := engine.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	byType := map[ledger.TransactionType]ledger.HeartTransaction{}
	for _, tx := range txs {
		byType[tx.Type] = tx
	}
	assert.Equal(t, ledger.StatusRefunded, byType[ledger.TxPurchase].Status)
	assert.Equal(t, int64(-50), byType[ledger.TxRefund].HeartAmount)
}

func TestRefundPurchase_RedeliveredWebhookDoesNotRecredit(t *testing.T) {
	// GIVEN: A purchase credited, then refunded (balance back to 150)
	// WHEN: The gateway redelivers the original paid event
	// THEN: The reference is still occupied by the refunded row; the
	//       redelivery resolves as already-processed and no hearts move

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	first, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	require.Equal(t, payments.OutcomeCredited, first.Status)

	_, err = engine.RefundPurchase(ctx, "ORDER-1", "customer request")
	require.NoError(t, err)

	replay, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, replay.Status)
	assert.Equal(t, first.TransactionID, replay.TransactionID)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance, "refunded money must not buy hearts twice")

	// Still just the refunded purchase and its reversal
	txs, err := engine.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestRefundPurchase_UnknownReference(t *testing.T) {
	engine, gw := newTestEngine(t)

	_, err := engine.RefundPurchase(context.Background(), "NO-SUCH", "oops")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	assert.Empty(t, gw.cancelled, "nothing to cancel upstream")
}

func TestRefundPurchase_GatewayFailureAborts(t *testing.T) {
	// If the upstream cancel fails, the hearts stay: a refund that
	// reverses hearts without voiding the charge gives money away.
	engine, gw := newTestEngine(t)
	ctx := context.Background()

	body, sig := paidWebhook("ORDER-1", "user-1", 1000)
	_, err := engine.CreditFromWebhook(ctx, body, sig)
	require.NoError(t, err)

	gw.err = fmt.Errorf("%w: 503", ledger.ErrUpstreamUnavailable)
	_, err = engine.RefundPurchase(ctx, "ORDER-1", "customer request")
	require.Error(t, err)

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)
}

// =============================================================================
// SWEEPER TESTS
// =============================================================================

func TestSweeper_CompletesPendingOncePaid(t *testing.T) {
	// GIVEN: A purchase stuck pending while the gateway reported "ready"
	// WHEN: The gateway flips it to paid and the sweeper runs
	// THEN: The purchase completes through the normal idempotent path

	engine, gw := newTestEngine(t)
	ctx := context.Background()
	sweeper := payments.NewSweeper(engine, time.Minute)

	gw.setPayment("ORDER-1", payments.GatewayReady, 1000)
	outcome, err := engine.CreditFromPoll(ctx, "ORDER-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, payments.OutcomePending, outcome.Status)

	// Not paid yet: sweep completes nothing (it records pending again,
	// which is a no-op)
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))

	gw.setPayment("ORDER-1", payments.GatewayPaid, 1000)
	assert.Equal(t, 1, sweeper.SweepOnce(ctx))

	balance, err := engine.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)

	pending, err := engine.Ledger.Store().PendingPurchases(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second sweep finds nothing to do
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
}

func TestSweeper_SkipsUnattributablePending(t *testing.T) {
	engine, gw := newTestEngine(t)
	ctx := context.Background()
	sweeper := payments.NewSweeper(engine, time.Minute)

	err := engine.Ledger.Store().RecordPending(ctx, ledger.HeartTransaction{
		UserID:      ledger.UserUnattributed,
		ExternalRef: "ORPHAN-1",
		Type:        ledger.TxPurchase,
	})
	require.NoError(t, err)
	gw.setPayment("ORPHAN-1", payments.GatewayPaid, 1000)

	assert.Equal(t, 0, sweeper.SweepOnce(ctx), "never credit a guessed identity")
	assert.Equal(t, 0, gw.getCalls)
}
