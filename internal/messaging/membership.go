package messaging

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MembershipChange is pushed by the membership service whenever a group changes
type MembershipChange struct {
	GroupID            string `json:"group_id"`
	CurrentMemberCount int    `json:"current_member_count,omitempty"`
	Status             string `json:"status,omitempty"`
}

// MembershipProcessor forwards membership pushes to the group tracker
type MembershipProcessor struct {
	handle func(ctx context.Context, groupID string) error
}

// NewMembershipProcessor creates a processor calling handle for every pushed group
func NewMembershipProcessor(handle func(ctx context.Context, groupID string) error) *MembershipProcessor {
	return &MembershipProcessor{handle: handle}
}

// ProcessMessage decodes the push. Malformed messages are completed and dropped.
func (p *MembershipProcessor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var change MembershipChange
	if err := json.Unmarshal(message.Body, &change); err != nil {
		log.Warn().Err(err).Str("message_id", message.MessageID).Msg("Dropping malformed membership message")
		return nil
	}
	change.GroupID = strings.TrimSpace(change.GroupID)
	if change.GroupID == "" {
		log.Warn().Str("message_id", message.MessageID).Msg("Dropping membership message without group id")
		return nil
	}

	log.Debug().
		Str("group_id", change.GroupID).
		Int("current_member_count", change.CurrentMemberCount).
		Msg("Membership change received")

	if err := p.handle(ctx, change.GroupID); err != nil {
		return errors.Wrapf(err, "failed to apply membership change for group %s", change.GroupID)
	}
	return nil
}
