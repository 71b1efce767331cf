package clients

import (
	"context"
	"net/http"
	"time"
)

// OTPClient issues and validates delivery OTPs
type OTPClient struct {
	baseClient
}

// NewOTPClient creates an OTP client. transport may be nil.
func NewOTPClient(baseURL string, timeout time.Duration, transport http.RoundTripper) *OTPClient {
	return &OTPClient{baseClient: newBaseClient(baseURL, timeout, transport)}
}

type otpRequest struct {
	OrderID string `json:"order_id"`
	Proof   string `json:"proof,omitempty"`
}

// IssueOtp asks the OTP service to send a code to the order's buyer
func (c *OTPClient) IssueOtp(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, "/otps", otpRequest{OrderID: orderID}, nil)
}

// ValidateOtp checks the proof the buyer handed to the partner
func (c *OTPClient) ValidateOtp(ctx context.Context, orderID, proof string) (bool, error) {
	if proof == "" {
		return false, nil
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodPost, "/otps/validate", otpRequest{OrderID: orderID, Proof: proof}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}
