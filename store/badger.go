package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/sekaitools/suitesync/models"
)

const (
	dataPrefix      = "data"
	webhookPrefix   = "webhook:user"
	bindingPrefix   = "webhook:binding"
	uploadLogPrefix = "uploadlog"
)

// Badger is the embedded document store implementation.
type Badger struct {
	db      *badger.DB
	logger  *slog.Logger
	encoder *zstd.Encoder
}

var _ DataStore = &Badger{}

func NewBadger(directory string, logger *slog.Logger) (*Badger, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}

	opts := badger.DefaultOptions(filepath.Join(directory, "documents"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger store")
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}

	return &Badger{
		db:      db,
		logger:  logger.WithGroup("store"),
		encoder: encoder,
	}, nil
}

func (s *Badger) Close() error {
	s.encoder.Close()
	return s.db.Close()
}

func dataKey(dataType models.DataType, userID int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", dataPrefix, dataType, userID))
}

func webhookUserKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", webhookPrefix, id))
}

func bindingKey(server models.Server, dataType models.DataType, userID int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d", bindingPrefix, server, dataType, userID))
}

func (s *Badger) getJSON(key []byte, target any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, target)
		})
	})
}

func (s *Badger) setJSON(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Badger) UpdateData(ctx context.Context, userID int64, dataType models.DataType, record map[string]any) error {
	key := dataKey(dataType, userID)

	existing := map[string]any{}
	if err := s.getJSON(key, &existing); err != nil && err != ErrNotFound {
		return errors.Wrap(err, "failed to load existing record")
	}
	for k, v := range record {
		existing[k] = v
	}
	return errors.Wrap(s.setJSON(key, existing), "failed to upsert record")
}

func (s *Badger) GetData(ctx context.Context, userID int64, server models.Server, dataType models.DataType) (map[string]any, error) {
	record := map[string]any{}
	if err := s.getJSON(dataKey(dataType, userID), &record); err != nil {
		return nil, err
	}
	if record["server"] != string(server) {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *Badger) GetWebhookUser(ctx context.Context, id, credential string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	if err := s.getJSON(webhookUserKey(id), &sub); err != nil {
		return nil, err
	}
	if sub.Credential == "" || sub.Credential != credential {
		return nil, ErrNotFound
	}
	sub.ID = id
	return &sub, nil
}

// PutWebhookUser registers or replaces a subscription record. Management of
// subscription records themselves lives outside the core flow; this exists
// for provisioning and tests.
func (s *Badger) PutWebhookUser(ctx context.Context, sub models.WebhookSubscription) error {
	return s.setJSON(webhookUserKey(sub.ID), sub)
}

func (s *Badger) getBinding(server models.Server, dataType models.DataType, userID int64) (*models.WebhookBinding, error) {
	var binding models.WebhookBinding
	if err := s.getJSON(bindingKey(server, dataType, userID), &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *Badger) GetWebhookPushTargets(ctx context.Context, userID int64, server models.Server, dataType models.DataType) ([]models.WebhookSubscription, error) {
	binding, err := s.getBinding(server, dataType, userID)
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var subs []models.WebhookSubscription
	for _, id := range binding.WebhookUserIDs {
		var sub models.WebhookSubscription
		if err := s.getJSON(webhookUserKey(id), &sub); err != nil {
			if err == ErrNotFound {
				s.logger.Warn("binding references missing webhook user", "webhook_id", id)
				continue
			}
			return nil, err
		}
		sub.ID = id
		sub.Credential = ""
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Badger) AddWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error {
	binding, err := s.getBinding(server, dataType, userID)
	if err == ErrNotFound {
		binding = &models.WebhookBinding{
			UserID:   fmt.Sprintf("%d", userID),
			Server:   string(server),
			DataType: string(dataType),
		}
	} else if err != nil {
		return err
	}
	for _, id := range binding.WebhookUserIDs {
		if id == webhookID {
			return nil
		}
	}
	binding.WebhookUserIDs = append(binding.WebhookUserIDs, webhookID)
	return s.setJSON(bindingKey(server, dataType, userID), binding)
}

func (s *Badger) RemoveWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error {
	binding, err := s.getBinding(server, dataType, userID)
	if err == ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	kept := binding.WebhookUserIDs[:0]
	for _, id := range binding.WebhookUserIDs {
		if id != webhookID {
			kept = append(kept, id)
		}
	}
	binding.WebhookUserIDs = kept
	return s.setJSON(bindingKey(server, dataType, userID), binding)
}

func (s *Badger) GetWebhookSubscribers(ctx context.Context, webhookID string) ([]models.WebhookBinding, error) {
	var bindings []models.WebhookBinding
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(bindingPrefix + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var binding models.WebhookBinding
				if err := json.Unmarshal(val, &binding); err != nil {
					return err
				}
				for _, id := range binding.WebhookUserIDs {
					if id == webhookID {
						binding.WebhookUserIDs = nil
						bindings = append(bindings, binding)
						break
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan webhook bindings")
	}
	return bindings, nil
}

type uploadLogDocument struct {
	models.UploadLogEntry
	RawZstd []byte `json:"raw_zstd,omitempty"`
}

func (s *Badger) AppendUploadLog(ctx context.Context, entry models.UploadLogEntry, raw []byte) error {
	doc := uploadLogDocument{UploadLogEntry: entry}
	if len(raw) > 0 {
		doc.RawZstd = s.encoder.EncodeAll(raw, nil)
	}
	key := []byte(strings.Join([]string{uploadLogPrefix, fmt.Sprintf("%020d", entry.UploadTime), entry.ID}, ":"))
	return errors.Wrap(s.setJSON(key, doc), "failed to append upload log")
}
