package key_value

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/embedkit/chatsync/internal/model"
	"github.com/redis/go-redis/v9"
)

type leadInternal struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SaveLead records the completed lead-capture form for a flow. Leads live
// independently of the message log and survive conversation clears.
func (s *SessionStorage) SaveLead(ctx context.Context, flowID string, lead model.Lead) error {
	leadJSON, err := json.Marshal(
		leadInternal{
			Name:  lead.Name,
			Email: lead.Email,
			Phone: lead.Phone,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to marshal internal lead: %w", err)
	}
	if err = s.rdb.Set(ctx, getLeadKey(flowID), leadJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to save lead %s: %w", flowID, err)
	}
	return nil
}

func (s *SessionStorage) GetLead(ctx context.Context, flowID string) (model.Lead, error) {
	leadRaw, err := s.rdb.Get(ctx, getLeadKey(flowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Lead{}, model.ErrLeadDoesNotExist
		}
		return model.Lead{}, fmt.Errorf("failed to get lead %s: %w", flowID, err)
	}
	var leadInt leadInternal
	if err = json.Unmarshal([]byte(leadRaw), &leadInt); err != nil {
		return model.Lead{}, fmt.Errorf("failed to unmarshal lead %s: %w", flowID, err)
	}
	return model.Lead{
		Name:  leadInt.Name,
		Email: leadInt.Email,
		Phone: leadInt.Phone,
	}, nil
}

func getLeadKey(flowID string) string {
	return fmt.Sprintf("lead_%s", flowID)
}
