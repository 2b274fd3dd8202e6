package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sekaitools/suitesync/models"
)

// Memory is an in-process DataStore used by tests and by deployments that
// do not need durability.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]map[string]any
	users    map[string]models.WebhookSubscription
	bindings map[string]models.WebhookBinding
	logs     []models.UploadLogEntry
}

var _ DataStore = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]map[string]any),
		users:    make(map[string]models.WebhookSubscription),
		bindings: make(map[string]models.WebhookBinding),
	}
}

func (s *Memory) Close() error { return nil }

func memDataKey(dataType models.DataType, userID int64) string {
	return fmt.Sprintf("%s:%d", dataType, userID)
}

func memBindingKey(server models.Server, dataType models.DataType, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", server, dataType, userID)
}

func (s *Memory) UpdateData(ctx context.Context, userID int64, dataType models.DataType, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memDataKey(dataType, userID)
	existing := s.data[key]
	if existing == nil {
		existing = make(map[string]any, len(record))
		s.data[key] = existing
	}
	for k, v := range record {
		existing[k] = v
	}
	return nil
}

func (s *Memory) GetData(ctx context.Context, userID int64, server models.Server, dataType models.DataType) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data[memDataKey(dataType, userID)]
	if !ok || record["server"] != string(server) {
		return nil, ErrNotFound
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) PutWebhookUser(ctx context.Context, sub models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[sub.ID] = sub
	return nil
}

func (s *Memory) GetWebhookUser(ctx context.Context, id, credential string) (*models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.users[id]
	if !ok || sub.Credential == "" || sub.Credential != credential {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (s *Memory) GetWebhookPushTargets(ctx context.Context, userID int64, server models.Server, dataType models.DataType) ([]models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	binding, ok := s.bindings[memBindingKey(server, dataType, userID)]
	if !ok {
		return nil, nil
	}
	var subs []models.WebhookSubscription
	for _, id := range binding.WebhookUserIDs {
		if sub, ok := s.users[id]; ok {
			sub.Credential = ""
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Memory) AddWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memBindingKey(server, dataType, userID)
	binding, ok := s.bindings[key]
	if !ok {
		binding = models.WebhookBinding{
			UserID:   fmt.Sprintf("%d", userID),
			Server:   string(server),
			DataType: string(dataType),
		}
	}
	for _, id := range binding.WebhookUserIDs {
		if id == webhookID {
			return nil
		}
	}
	binding.WebhookUserIDs = append(binding.WebhookUserIDs, webhookID)
	s.bindings[key] = binding
	return nil
}

func (s *Memory) RemoveWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memBindingKey(server, dataType, userID)
	binding, ok := s.bindings[key]
	if !ok {
		return nil
	}
	kept := binding.WebhookUserIDs[:0]
	for _, id := range binding.WebhookUserIDs {
		if id != webhookID {
			kept = append(kept, id)
		}
	}
	binding.WebhookUserIDs = kept
	s.bindings[key] = binding
	return nil
}

func (s *Memory) GetWebhookSubscribers(ctx context.Context, webhookID string) ([]models.WebhookBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WebhookBinding
	for _, binding := range s.bindings {
		for _, id := range binding.WebhookUserIDs {
			if id == webhookID {
				out = append(out, models.WebhookBinding{
					UserID:   binding.UserID,
					Server:   binding.Server,
					DataType: binding.DataType,
				})
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) AppendUploadLog(ctx context.Context, entry models.UploadLogEntry, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// UploadLog returns a copy of the recorded entries.
func (s *Memory) UploadLog() []models.UploadLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UploadLogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}
