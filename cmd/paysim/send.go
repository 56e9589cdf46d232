package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v76/webhook"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet [jazzcash|easypaisa]",
		Short: "Sign and deliver a mobile wallet callback",
		Long: `Builds a wallet callback for an order, signs it with the merchant secret
from the service configuration (.env / environment) and posts it to the
provider's webhook route.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{payment.ProviderJazzCash, payment.ProviderEasyPaisa},
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")
			order, _ := cmd.Flags().GetString("order")
			txn, _ := cmd.Flags().GetString("txn")
			amount, _ := cmd.Flags().GetString("amount")
			code, _ := cmd.Flags().GetString("code")

			cfg := config.Load()
			gw, err := walletGateway(args[0], cfg)
			if err != nil {
				return err
			}

			fields, err := walletFields(gw, cfg.Payment.Currency, order, txn, amount, code)
			if err != nil {
				return err
			}

			return post(cmd.Context(), cmd.OutOrStdout(),
				fmt.Sprintf("%s/api/v1/webhooks/%s", strings.TrimRight(baseURL, "/"), args[0]),
				"application/x-www-form-urlencoded", nil,
				[]byte(formEncode(fields).Encode()))
		},
	}

	cmd.Flags().StringP("order", "o", "", "Order number (required)")
	cmd.Flags().StringP("txn", "t", "", "Transaction id returned at checkout (required)")
	cmd.Flags().StringP("amount", "a", "", "Charged total in rupees, e.g. 7156.00 (required)")
	cmd.Flags().StringP("code", "c", "", "Provider response code (default: the provider's success code)")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("txn")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func cardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Sign and deliver a card payment_intent event",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("url")
			order, _ := cmd.Flags().GetString("order")
			intent, _ := cmd.Flags().GetString("intent")
			amount, _ := cmd.Flags().GetString("amount")
			eventType, _ := cmd.Flags().GetString("type")

			total, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}

			cfg := config.Load()
			secret := cfg.Card.WebhookSecret
			if secret == "" {
				return fmt.Errorf("CARD_WEBHOOK_SECRET is not set")
			}

			body := cardEventBody(eventType, intent, order, cfg.Payment.Currency, total)
			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
				Payload:   body,
				Secret:    secret,
				Timestamp: time.Now(),
			})

			return post(cmd.Context(), cmd.OutOrStdout(),
				strings.TrimRight(baseURL, "/")+"/api/v1/webhooks/card",
				"application/json", map[string]string{"Stripe-Signature": signed.Header},
				signed.Payload)
		},
	}

	cmd.Flags().StringP("order", "o", "", "Order number (required)")
	cmd.Flags().StringP("intent", "i", "", "Payment intent id returned at checkout (required)")
	cmd.Flags().StringP("amount", "a", "", "Charged total in rupees (required)")
	cmd.Flags().String("type", "payment_intent.succeeded", "Event type")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func walletGateway(provider string, cfg *config.Config) (*payment.WalletGateway, error) {
	switch provider {
	case payment.ProviderJazzCash:
		if cfg.JazzCash.Secret == "" {
			return nil, fmt.Errorf("JAZZCASH_INTEGRITY_SALT is not set")
		}
		return payment.NewJazzCashGateway(cfg.JazzCash, ""), nil
	case payment.ProviderEasyPaisa:
		if cfg.EasyPaisa.Secret == "" {
			return nil, fmt.Errorf("EASYPAISA_HASH_KEY is not set")
		}
		return payment.NewEasyPaisaGateway(cfg.EasyPaisa, ""), nil
	default:
		return nil, fmt.Errorf("unknown wallet provider %q", provider)
	}
}

// walletFields builds a signed callback. The merchant id is taken from the
// gateway's own hand-off form so it matches what the service expects.
func walletFields(gw *payment.WalletGateway, currency, orderNumber, txnID, amount, code string) (map[string]string, error) {
	total, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if code == "" {
		code = successCode(gw.Provider)
	}

	handoff := gw.BuildRedirect(txnID, orderNumber, total, currency, time.Now())
	fields := map[string]string{
		payment.FieldMerchantID:    handoff.Fields[payment.FieldMerchantID],
		payment.FieldTransactionID: txnID,
		payment.FieldOrderID:       orderNumber,
		payment.FieldAmount:        total.StringFixed(2),
		payment.FieldCurrency:      currency,
		payment.FieldResponseCode:  code,
	}
	fields[payment.FieldSecureHash] = gw.Sign(fields)
	return fields, nil
}

func successCode(provider string) string {
	if provider == payment.ProviderEasyPaisa {
		return "0000"
	}
	return "000"
}

func cardEventBody(eventType, intentID, orderNumber, currency string, total decimal.Decimal) []byte {
	eventID := "evt_sim_" + strings.ReplaceAll(time.Now().UTC().Format("20060102150405.000000"), ".", "")
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": "2023-10-16",
  "created": %d,
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
}`, eventID, time.Now().Unix(), eventType, intentID, payment.ToMinorUnits(total), strings.ToLower(currency), orderNumber))
}

func formEncode(fields map[string]string) url.Values {
	v := url.Values{}
	for k, val := range fields {
		v.Set(k, val)
	}
	return v
}

func post(ctx context.Context, out io.Writer, target, contentType string, headers map[string]string, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(out, "%s %s\n%s\n", resp.Status, target, strings.TrimSpace(string(respBody)))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("service answered %s", resp.Status)
	}
	return nil
}
