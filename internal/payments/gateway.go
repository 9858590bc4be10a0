package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentStatus is the gateway's authoritative view of one payment. The
// webhook payload is only a hint; this is what verification trusts.
type PaymentStatus struct {
	Status           string `json:"status"`
	AmountTotalCents int64  `json:"amount_total_cents"`
	MerchantID       string `json:"merchant_id"`
}

// GatewayStatusPaid is the status value confirming a settled payment.
const GatewayStatusPaid = "paid"

// Gateway is the payment provider contract the core consumes.
type Gateway interface {
	GetPayment(ctx context.Context, externalPaymentID string) (*PaymentStatus, error)
}

// HTTPGateway queries the provider's payment-status endpoint.
type HTTPGateway struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Gateway = (*HTTPGateway)(nil)

func (g *HTTPGateway) GetPayment(ctx context.Context, externalPaymentID string) (*PaymentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/v1/payments/"+externalPaymentID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway get payment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway get payment: status %d", resp.StatusCode)
	}
	var ps PaymentStatus
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return nil, fmt.Errorf("gateway get payment: %w", err)
	}
	return &ps, nil
}
