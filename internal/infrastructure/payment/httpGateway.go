package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"order-reconciler/internal/domain"
	"strings"
	"time"
)

type httpGateway struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

// NewHTTPGateway talks to a Paystack-compatible verify endpoint:
// GET {baseURL}/transaction/verify/{reference} with a bearer secret key.
func NewHTTPGateway(baseURL, secretKey string, timeout time.Duration) PaymentGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// verifyEnvelope is the gateway's response body. Amounts are minor units.
type verifyEnvelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string     `json:"reference"`
		Status    string     `json:"status"`
		Amount    int64      `json:"amount"`
		Currency  string     `json:"currency"`
		PaidAt    *time.Time `json:"paid_at"`
	} `json:"data"`
}

func (g *httpGateway) Verify(ctx context.Context, reference string) (*Verification, error) {
	if reference == "" {
		return nil, ErrUnknownReference
	}
	endpoint := g.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, domain.Transient(fmt.Errorf("gateway verify: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("gateway verify: read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownReference
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transient(fmt.Errorf("gateway verify: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway verify: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env verifyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("gateway verify: decode: %w", err)
	}
	if !env.Status {
		return nil, errors.New("gateway verify: " + env.Message)
	}
	ref := env.Data.Reference
	if ref == "" {
		ref = reference
	}
	return &Verification{
		Reference:       ref,
		Status:          VerificationStatus(env.Data.Status),
		AmountPaidMinor: env.Data.Amount,
		Currency:        env.Data.Currency,
		PaidAt:          env.Data.PaidAt,
		Raw:             json.RawMessage(body),
	}, nil
}
