package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const SignatureHeader = "X-Paystack-Signature"

var ErrBadSignature = errors.New("webhook signature mismatch")

// Sign returns the hex HMAC-SHA512 of body, the scheme used by the gateway's webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) error {
	want := Sign(secret, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

type webhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference string     `json:"reference"`
		Status    string     `json:"status"`
		Amount    int64      `json:"amount"`
		Currency  string     `json:"currency"`
		PaidAt    *time.Time `json:"paid_at"`
	} `json:"data"`
}

// ParseWebhook decodes a gateway event into a Verification. Events other than
// charge outcomes are reported with ok=false.
func ParseWebhook(body []byte) (v *Verification, event string, ok bool, err error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", false, fmt.Errorf("decode webhook: %w", err)
	}
	status := VerificationStatus(env.Data.Status)
	switch env.Event {
	case "charge.success":
		if status == "" {
			status = StatusSuccess
		}
	case "charge.failed":
		if status == "" {
			status = StatusFailed
		}
	default:
		return nil, env.Event, false, nil
	}
	if env.Data.Reference == "" {
		return nil, env.Event, false, errors.New("webhook has no reference")
	}
	return &Verification{
		Reference:       env.Data.Reference,
		Status:          status,
		AmountPaidMinor: env.Data.Amount,
		Currency:        env.Data.Currency,
		PaidAt:          env.Data.PaidAt,
		Raw:             json.RawMessage(body),
	}, env.Event, true, nil
}
