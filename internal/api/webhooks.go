package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"checkout-service/internal/payment"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// cardWebhook receives card processor events
func (h *Handler) cardWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unreadable body"})
		return
	}

	outcome, err := h.reconciler.ReconcileCard(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	h.webhookResponse(c, payment.ProviderStripe, outcome, err)
}

// walletWebhook receives server-to-server wallet callbacks, form or JSON encoded
func (h *Handler) walletWebhook(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		fields, err := callbackFields(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "malformed callback"})
			return
		}

		outcome, err := h.reconciler.ReconcileWallet(c.Request.Context(), provider, fields)
		h.webhookResponse(c, provider, outcome, err)
	}
}

func (h *Handler) webhookResponse(c *gin.Context, provider string, outcome service.Outcome, err error) {
	switch outcome {
	case service.OutcomeApplied, service.OutcomeDuplicate, service.OutcomeIgnored:
		c.JSON(http.StatusOK, gin.H{"status": "success", "outcome": outcome})
	case service.OutcomeOrderMissing:
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
	case service.OutcomeRejected:
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Warn("Webhook signature rejected",
				zap.String("provider", provider),
				zap.String("remote_addr", c.ClientIP()))
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid notification"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "temporary failure, retry later"})
	}
}

// callbackFields flattens a JSON object or form body into string fields.
// JSON numbers keep their original text so signatures still match.
func callbackFields(c *gin.Context) (map[string]string, error) {
	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			return nil, err
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}

		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				fields[k] = val
			case json.Number:
				fields[k] = val.String()
			case bool:
				fields[k] = fmt.Sprint(val)
			default:
				return nil, fmt.Errorf("field %q is not a scalar", k)
			}
		}
		return fields, nil
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}

// walletReturn sends the customer's browser back to the storefront result page
func (h *Handler) walletReturn(c *gin.Context) {
	provider := c.Param("provider")
	if provider != payment.ProviderJazzCash && provider != payment.ProviderEasyPaisa {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment provider"})
		return
	}

	outcome := payment.ReturnOutcome(c.Query(payment.FieldStatus))
	target := fmt.Sprintf("%s/checkout/%s?order=%s", h.siteURL, outcome, url.QueryEscape(c.Query(payment.FieldOrderID)))

	h.logger.Info("Wallet return",
		zap.String("provider", provider),
		zap.String("order_number", c.Query(payment.FieldOrderID)),
		zap.String("outcome", outcome))

	c.Redirect(http.StatusFound, target)
}
