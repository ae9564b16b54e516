package realtime

import (
	"krismini/cmd/internal/persistence"
	v1 "krismini/shared/contracts/chat/v1"
)

func statePayload(s persistence.State) v1.ChatStatePayload {
	msgs := make([]v1.MessagePayload, 0, len(s.Messages))
	for _, e := range s.Messages {
		msgs = append(msgs, v1.MessagePayload{
			Key:        e.Key(),
			ID:         e.ID,
			Role:       string(e.Role),
			Content:    e.Content,
			CreatedAt:  e.CreatedAt,
			Optimistic: e.Optimistic,
			RetryCount: e.RetryCount,
		})
	}
	return v1.ChatStatePayload{
		Version:      s.Version,
		UserID:       s.UserID,
		Messages:     msgs,
		HasMore:      s.HasMore,
		TotalCount:   s.TotalCount,
		Loading:      s.Loading,
		LoadingOlder: s.LoadingOlder,
		Saving:       s.Saving,
		Error:        s.Error,
		Queue: v1.QueueStatusPayload{
			Length:       s.Queue.QueueLength,
			IsProcessing: s.Queue.IsProcessing,
		},
	}
}
