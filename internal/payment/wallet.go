package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-service/config"

	"github.com/shopspring/decimal"
)

// Outcome is the canonical family of a provider status code
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomePending
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePending:
		return "pending"
	default:
		return "failure"
	}
}

// Wallet callback field names
const (
	FieldMerchantID    = "merchant_id"
	FieldTransactionID = "transaction_id"
	FieldOrderID       = "order_id"
	FieldAmount        = "amount"
	FieldCurrency      = "currency"
	FieldStatus        = "status"
	FieldResponseCode  = "response_code"
	FieldSecureHash    = "secure_hash"
	FieldReturnURL     = "return_url"
	FieldExpiresAt     = "expires_at"
)

// StatusTable maps provider response codes to outcome families.
// Codes not listed are failures.
type StatusTable struct {
	Success []string
	Pending []string
}

func (t StatusTable) classify(code string) (Outcome, bool) {
	if code == "" {
		return OutcomeFailure, false
	}
	for _, c := range t.Success {
		if c == code {
			return OutcomeSuccess, true
		}
	}
	for _, c := range t.Pending {
		if c == code {
			return OutcomePending, true
		}
	}
	return OutcomeFailure, true
}

type signFunc func(secret []byte, fields map[string]string) string

// WalletGateway signs hand-off payloads for, and verifies callbacks from, a mobile wallet
type WalletGateway struct {
	Provider    string
	DisplayName string
	merchantID  string
	secret      []byte
	endpointURL string
	returnURL   string
	txnPrefix   string
	codes       StatusTable
	sign        signFunc
	expiry      time.Duration
}

// NewJazzCashGateway configures the JazzCash wallet
func NewJazzCashGateway(cfg config.WalletConfig, returnURL string) *WalletGateway {
	return &WalletGateway{
		Provider:    ProviderJazzCash,
		DisplayName: "JazzCash",
		merchantID:  cfg.MerchantID,
		secret:      []byte(cfg.Secret),
		endpointURL: cfg.EndpointURL,
		returnURL:   returnURL,
		txnPrefix:   "JC",
		codes: StatusTable{
			Success: []string{"000", "121"},
			Pending: []string{"124", "157", "210"},
		},
		sign:   saltedValueHash,
		expiry: time.Hour,
	}
}

// NewEasyPaisaGateway configures the EasyPaisa wallet
func NewEasyPaisaGateway(cfg config.WalletConfig, returnURL string) *WalletGateway {
	return &WalletGateway{
		Provider:    ProviderEasyPaisa,
		DisplayName: "EasyPaisa",
		merchantID:  cfg.MerchantID,
		secret:      []byte(cfg.Secret),
		endpointURL: cfg.EndpointURL,
		returnURL:   returnURL,
		txnPrefix:   "EP",
		codes: StatusTable{
			Success: []string{"0000"},
			Pending: []string{"0001", "0002"},
		},
		sign:   keyValueHash,
		expiry: time.Hour,
	}
}

// TransactionPrefix is prepended to generated transaction ids
func (g *WalletGateway) TransactionPrefix() string {
	return g.txnPrefix
}

// BuildRedirect returns the signed form that starts a wallet payment
func (g *WalletGateway) BuildRedirect(transactionID, orderNumber string, total decimal.Decimal, currency string, now time.Time) Redirect {
	fields := map[string]string{
		FieldMerchantID:    g.merchantID,
		FieldTransactionID: transactionID,
		FieldOrderID:       orderNumber,
		FieldAmount:        total.StringFixed(2),
		FieldCurrency:      currency,
		FieldReturnURL:     g.returnURL,
		FieldExpiresAt:     now.Add(g.expiry).UTC().Format("20060102150405"),
	}
	fields[FieldSecureHash] = g.Sign(fields)

	return Redirect{
		ActionURL: g.endpointURL,
		Method:    "POST",
		Fields:    fields,
	}
}

// Sign computes the secure hash over fields, ignoring any existing hash
func (g *WalletGateway) Sign(fields map[string]string) string {
	return g.sign(g.secret, fields)
}

// Verify authenticates a callback. An unconfigured secret fails closed.
func (g *WalletGateway) Verify(fields map[string]string) error {
	if len(g.secret) == 0 {
		return fmt.Errorf("%w: %s secret not configured", ErrInvalidSignature, g.Provider)
	}

	got := strings.ToLower(strings.TrimSpace(fields[FieldSecureHash]))
	if got == "" {
		return fmt.Errorf("%w: missing secure hash", ErrInvalidSignature)
	}

	want := strings.ToLower(g.Sign(fields))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrInvalidSignature
	}

	if g.merchantID != "" && fields[FieldMerchantID] != g.merchantID {
		return fmt.Errorf("%w: merchant mismatch", ErrInvalidSignature)
	}
	return nil
}

// Classify maps a callback's response code, falling back to its textual status.
func (g *WalletGateway) Classify(responseCode, status string) Outcome {
	if outcome, ok := g.codes.classify(strings.TrimSpace(responseCode)); ok {
		return outcome
	}
	return classifyStatusText(status)
}

func classifyStatusText(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed", "paid":
		return OutcomeSuccess
	case "pending", "processing":
		return OutcomePending
	default:
		return OutcomeFailure
	}
}

// ReturnOutcome maps the status query parameter of a browser return to a UI path segment
func ReturnOutcome(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed", "paid":
		return "success"
	case "cancelled", "canceled", "cancel":
		return "cancelled"
	default:
		return "failed"
	}
}

func signedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == FieldSecureHash || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// saltedValueHash: HMAC-SHA256 over salt&v1&v2... with values ordered by key, upper-case hex
func saltedValueHash(secret []byte, fields map[string]string) string {
	keys := signedKeys(fields)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(secret))
	for _, k := range keys {
		parts = append(parts, fields[k])
	}
	return strings.ToUpper(hmacHex(secret, strings.Join(parts, "&")))
}

// keyValueHash: HMAC-SHA256 over k1=v1&k2=v2... ordered by key, lower-case hex
func keyValueHash(secret []byte, fields map[string]string) string {
	keys := signedKeys(fields)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return hmacHex(secret, strings.Join(parts, "&"))
}

func hmacHex(secret []byte, message string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(message))
	return hex.EncodeToString(m.Sum(nil))
}
