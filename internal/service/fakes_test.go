package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memoryOrders struct {
	mu           sync.Mutex
	byID         map[string]*models.Order
	err          error
	applied      int
	beforeCancel func(o *models.Order)
}

func newMemoryOrders(orders ...*models.Order) *memoryOrders {
	m := &memoryOrders{byID: make(map[string]*models.Order)}
	for _, o := range orders {
		m.byID[o.ID] = o
	}
	return m
}

func (m *memoryOrders) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (m *memoryOrders) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, o := range m.byID {
		if o.OrderNumber == orderNumber {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNumber)
}

func (m *memoryOrders) TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	o, ok := m.byID[t.OrderID]
	if !ok || !contains(t.FromStatuses, o.Status) || contains(t.ExcludePaymentStatuses, o.PaymentStatus) {
		return false, nil
	}
	if t.Status != "" {
		o.Status = t.Status
	}
	if t.PaymentMethod != "" {
		o.PaymentMethod = t.PaymentMethod
	}
	o.PaymentStatus = t.PaymentStatus
	o.UpdatedAt = time.Now()
	m.applied++
	return true, nil
}

func (m *memoryOrders) CancelOrder(ctx context.Context, orderID, userID, note string, from []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	o, ok := m.byID[orderID]
	if !ok {
		return false, nil
	}
	if m.beforeCancel != nil {
		m.beforeCancel(o)
	}
	if o.UserID != userID || !contains(from, o.Status) {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	if o.Notes == "" {
		o.Notes = note
	} else {
		o.Notes = o.Notes + "\n" + note
	}
	return true, nil
}

func (m *memoryOrders) get(id string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

type memoryTxns struct {
	mu     sync.Mutex
	rows   map[string]*models.PaymentTransaction
	writes int
	err    error
}

func newMemoryTxns() *memoryTxns {
	return &memoryTxns{rows: make(map[string]*models.PaymentTransaction)}
}

func (m *memoryTxns) UpsertTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes++
	cp := *txn
	m.rows[txn.TransactionID] = &cp
	return nil
}

func (m *memoryTxns) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memoryTxns) get(id string) (models.PaymentTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return models.PaymentTransaction{}, false
	}
	return *t, true
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []*models.PaymentEvent
	failed    []*models.PaymentEvent
	pending   []*models.PaymentEvent
	cancelled []*models.OrderCancelledEvent
	err       error
}

func (n *recordingNotifier) PublishPaymentConfirmed(ctx context.Context, event *models.PaymentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, event)
	return n.err
}

func (n *recordingNotifier) PublishPaymentFailed(ctx context.Context, event *models.PaymentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, event)
	return n.err
}

func (n *recordingNotifier) PublishPaymentPendingVerification(ctx context.Context, event *models.PaymentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, event)
	return n.err
}

func (n *recordingNotifier) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, event)
	return n.err
}

type memoryDeliveries struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryDeliveries() *memoryDeliveries {
	return &memoryDeliveries{seen: make(map[string]bool)}
}

func (m *memoryDeliveries) IsDeliveryProcessed(ctx context.Context, provider, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[provider+"/"+deliveryID], nil
}

func (m *memoryDeliveries) MarkDeliveryProcessed(ctx context.Context, provider, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[provider+"/"+deliveryID] = true
	return nil
}

type memoryIdempotency struct {
	mu      sync.Mutex
	results map[string][]byte
	locks   map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{results: make(map[string][]byte), locks: make(map[string]string)}
}

func (m *memoryIdempotency) GetCheckoutResult(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[key], nil
}

func (m *memoryIdempotency) SaveCheckoutResult(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = data
	return nil
}

func (m *memoryIdempotency) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[lockKey]; held {
		return false, nil
	}
	m.locks[lockKey] = token
	return true, nil
}

func (m *memoryIdempotency) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[lockKey] != token {
		return false, nil
	}
	delete(m.locks, lockKey)
	return true, nil
}

type stubCards struct {
	mu      sync.Mutex
	calls   int
	last    payment.IntentRequest
	intent  payment.Intent
	err     error
	block   bool
	panicky bool

	beforeReturn func()
}

func (s *stubCards) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	s.mu.Lock()
	s.calls++
	s.last = req
	s.mu.Unlock()

	if s.beforeReturn != nil {
		s.beforeReturn()
	}
	if s.panicky {
		panic("gateway client bug")
	}
	if s.block {
		<-ctx.Done()
		return payment.Intent{}, ctx.Err()
	}
	if s.err != nil {
		return payment.Intent{}, s.err
	}
	return s.intent, nil
}

var errStoreDown = errors.New("connection refused")

func testPaymentConfig() config.PaymentConfig {
	return config.PaymentConfig{
		Currency:        "PKR",
		ProviderTimeout: time.Second,
		Card: config.MethodConfig{
			Enabled: true, Rate: dec("0.029"), FixedFee: dec("30"), MinFee: dec("30"),
			MinAmount: dec("100"), MaxAmount: dec("1000000"),
		},
		JazzCash: config.MethodConfig{
			Enabled: true, Rate: dec("0.015"), MinFee: dec("10"),
			MinAmount: dec("10"), MaxAmount: dec("500000"),
		},
		EasyPaisa: config.MethodConfig{
			Enabled: true, Rate: dec("0.015"), MinFee: dec("10"),
			MinAmount: dec("10"), MaxAmount: dec("500000"),
		},
		COD: config.MethodConfig{
			Enabled: true, FixedFee: dec("100"), MaxAmount: dec("50000"),
		},
		BankTransfer: config.MethodConfig{
			Enabled: true, MinAmount: dec("500"),
		},
	}
}

type fixture struct {
	cfg        config.PaymentConfig
	orders     *memoryOrders
	txns       *memoryTxns
	notifier   *recordingNotifier
	deliveries *memoryDeliveries
	idem       *memoryIdempotency
	cards      *stubCards
	jazzCash   *payment.WalletGateway
	easyPaisa  *payment.WalletGateway
	verifier   *payment.CardEventVerifier
	catalog    *payment.Catalog
	payments   *PaymentService
	reconciler *Reconciler
	orderSvc   *OrderService
}

const testCardWebhookSecret = "whsec_service_test"

func newFixture(orders ...*models.Order) *fixture {
	f := &fixture{
		cfg:        testPaymentConfig(),
		orders:     newMemoryOrders(orders...),
		txns:       newMemoryTxns(),
		notifier:   &recordingNotifier{},
		deliveries: newMemoryDeliveries(),
		idem:       newMemoryIdempotency(),
		cards:      &stubCards{intent: payment.Intent{ID: "pi_test_1", ClientSecret: "pi_test_1_secret_abc", Status: "requires_payment_method"}},
		jazzCash: payment.NewJazzCashGateway(config.WalletConfig{
			MerchantID: "MC100", Secret: "jc-salt", EndpointURL: "https://jazzcash.test/pay",
		}, "https://shop.test/api/v1/payments/jazzcash/return"),
		easyPaisa: payment.NewEasyPaisaGateway(config.WalletConfig{
			MerchantID: "ST200", Secret: "ep-key", EndpointURL: "https://easypaisa.test/pay",
		}, "https://shop.test/api/v1/payments/easypaisa/return"),
		verifier: payment.NewCardEventVerifier(config.CardConfig{WebhookSecret: testCardWebhookSecret, WebhookTolerance: 5 * time.Minute}),
	}

	f.catalog = payment.NewCatalog(f.cfg, payment.BankDetails{
		AccountTitle:  "Storefront (Pvt) Ltd",
		AccountNumber: "0123456789",
		IBAN:          "PK36SCBL0000001123456702",
		BankName:      "Test Bank",
	}, f.jazzCash, f.easyPaisa)

	f.payments = NewPaymentService(f.cfg, f.catalog, f.cards, f.orders, f.txns, f.idem, f.notifier)
	f.reconciler = NewReconciler(f.catalog, f.orders, f.txns, f.deliveries, f.notifier, f.verifier, f.jazzCash, f.easyPaisa)
	f.orderSvc = NewOrderService(f.orders, f.notifier)
	return f
}

func pendingOrder(id, number, total string) *models.Order {
	return &models.Order{
		ID:            id,
		OrderNumber:   number,
		UserID:        "user-1",
		CustomerEmail: "ayesha@example.pk",
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		TotalAmount:   dec(total),
	}
}

func requestFor(o *models.Order, method string) payment.Request {
	return payment.Request{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Amount:        o.TotalAmount,
		Currency:      "PKR",
		MethodID:      method,
		CustomerEmail: o.CustomerEmail,
		CustomerPhone: "+923001234567",
	}
}
