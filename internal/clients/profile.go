package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"example.com/backstage/services/orders/internal/models"
)

// ProfileClient reads buyer and partner addresses
type ProfileClient struct {
	baseClient
}

// NewProfileClient creates a profile client. transport may be nil.
func NewProfileClient(baseURL string, timeout time.Duration, transport http.RoundTripper) *ProfileClient {
	return &ProfileClient{baseClient: newBaseClient(baseURL, timeout, transport)}
}

// DeliverySnapshot returns the pickup and delivery addresses for an assignment
func (c *ProfileClient) DeliverySnapshot(ctx context.Context, buyerID, partnerID string) (models.AddressSnapshot, error) {
	q := url.Values{}
	q.Set("buyer_id", buyerID)
	q.Set("partner_id", partnerID)

	var snap models.AddressSnapshot
	if err := c.do(ctx, http.MethodGet, "/delivery-snapshot?"+q.Encode(), nil, &snap); err != nil {
		return models.AddressSnapshot{}, err
	}
	return snap, nil
}
