// Package store persists save records, webhook subscriptions and bindings,
// and the upload audit log. Records are documents keyed by user id; every
// ingestion replaces the named fields wholesale.
package store

import (
	"context"
	"errors"

	"github.com/sekaitools/suitesync/models"
)

var ErrNotFound = errors.New("not found")

// DataStore is the persistence surface the ingestion pipeline and the
// webhook components depend on.
type DataStore interface {
	// UpdateData upserts the record for (user, data type). Fields present in
	// record replace the stored ones; the document keeps its identity.
	UpdateData(ctx context.Context, userID int64, dataType models.DataType, record map[string]any) error
	// GetData returns the record for (user, server, data type), or
	// ErrNotFound.
	GetData(ctx context.Context, userID int64, server models.Server, dataType models.DataType) (map[string]any, error)

	// GetWebhookUser returns the subscription with the given id only when the
	// stored credential matches.
	GetWebhookUser(ctx context.Context, id, credential string) (*models.WebhookSubscription, error)
	// GetWebhookPushTargets resolves the subscriptions bound to
	// (user, server, data type).
	GetWebhookPushTargets(ctx context.Context, userID int64, server models.Server, dataType models.DataType) ([]models.WebhookSubscription, error)
	AddWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error
	RemoveWebhookPushUser(ctx context.Context, userID int64, server models.Server, dataType models.DataType, webhookID string) error
	// GetWebhookSubscribers lists every binding that includes the
	// subscription id.
	GetWebhookSubscribers(ctx context.Context, webhookID string) ([]models.WebhookBinding, error)

	// AppendUploadLog records one ingestion, archiving the raw encoded
	// payload alongside the entry.
	AppendUploadLog(ctx context.Context, entry models.UploadLogEntry, raw []byte) error

	Close() error
}
