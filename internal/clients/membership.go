package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"example.com/backstage/services/orders/internal/models"
)

// MembershipClient reads group-buy state from the membership service
type MembershipClient struct {
	baseClient
}

// NewMembershipClient creates a membership client. transport may be nil.
func NewMembershipClient(baseURL string, timeout time.Duration, transport http.RoundTripper) *MembershipClient {
	return &MembershipClient{baseClient: newBaseClient(baseURL, timeout, transport)}
}

// GetGroupStatus returns the group's member counts, status and expiry
func (c *MembershipClient) GetGroupStatus(ctx context.Context, groupID string) (*models.GroupBuy, error) {
	var group models.GroupBuy
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID), nil, &group); err != nil {
		return nil, err
	}
	if group.GroupID == "" {
		group.GroupID = groupID
	}
	return &group, nil
}
