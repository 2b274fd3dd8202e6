package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekaitools/suitesync/models"
)

type provisioner interface {
	DataStore
	PutWebhookUser(ctx context.Context, sub models.WebhookSubscription) error
}

func storeImplementations(t *testing.T) map[string]provisioner {
	t.Helper()
	badgerStore, err := NewBadger(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]provisioner{
		"memory": NewMemory(),
		"badger": badgerStore,
	}
}

func TestUpdateData_UpsertByFullReplace(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.UpdateData(ctx, 42, models.DataTypeSuite, map[string]any{
				"server":      "jp",
				"userCards":   []any{"card-1"},
				"upload_time": int64(100),
			})
			require.NoError(t, err)

			// The second upsert replaces named fields and keeps the rest.
			err = s.UpdateData(ctx, 42, models.DataTypeSuite, map[string]any{
				"server":      "jp",
				"upload_time": int64(200),
			})
			require.NoError(t, err)

			record, err := s.GetData(ctx, 42, models.ServerJP, models.DataTypeSuite)
			require.NoError(t, err)
			assert.EqualValues(t, 200, record["upload_time"])
			assert.NotNil(t, record["userCards"])
		})
	}
}

func TestGetData_ServerScoped(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpdateData(ctx, 7, models.DataTypeSuite, map[string]any{"server": "en"}))

			_, err := s.GetData(ctx, 7, models.ServerJP, models.DataTypeSuite)
			assert.ErrorIs(t, err, ErrNotFound)

			record, err := s.GetData(ctx, 7, models.ServerEN, models.DataTypeSuite)
			require.NoError(t, err)
			assert.Equal(t, "en", record["server"])

			_, err = s.GetData(ctx, 7, models.ServerEN, models.DataTypeMysekai)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestWebhookUser_CredentialChecked(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutWebhookUser(ctx, models.WebhookSubscription{
				ID:          "sub-1",
				CallbackURL: "https://example.com/cb/{user_id}",
				Credential:  "secret",
			}))

			_, err := s.GetWebhookUser(ctx, "sub-1", "wrong")
			assert.ErrorIs(t, err, ErrNotFound)

			sub, err := s.GetWebhookUser(ctx, "sub-1", "secret")
			require.NoError(t, err)
			assert.Equal(t, "https://example.com/cb/{user_id}", sub.CallbackURL)
		})
	}
}

func TestWebhookBindings_RoundTrip(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutWebhookUser(ctx, models.WebhookSubscription{
				ID: "sub-1", CallbackURL: "https://a.example/cb", Credential: "c1",
			}))
			require.NoError(t, s.PutWebhookUser(ctx, models.WebhookSubscription{
				ID: "sub-2", CallbackURL: "https://b.example/cb", Bearer: "tok", Credential: "c2",
			}))

			require.NoError(t, s.AddWebhookPushUser(ctx, 9, models.ServerJP, models.DataTypeSuite, "sub-1"))
			require.NoError(t, s.AddWebhookPushUser(ctx, 9, models.ServerJP, models.DataTypeSuite, "sub-2"))
			// Duplicate registration is a no-op.
			require.NoError(t, s.AddWebhookPushUser(ctx, 9, models.ServerJP, models.DataTypeSuite, "sub-1"))

			targets, err := s.GetWebhookPushTargets(ctx, 9, models.ServerJP, models.DataTypeSuite)
			require.NoError(t, err)
			require.Len(t, targets, 2)
			for _, sub := range targets {
				assert.Empty(t, sub.Credential)
			}

			// A different tuple resolves nothing.
			targets, err = s.GetWebhookPushTargets(ctx, 9, models.ServerJP, models.DataTypeMysekai)
			require.NoError(t, err)
			assert.Empty(t, targets)

			subscribers, err := s.GetWebhookSubscribers(ctx, "sub-2")
			require.NoError(t, err)
			require.Len(t, subscribers, 1)
			assert.Equal(t, "9", subscribers[0].UserID)

			require.NoError(t, s.RemoveWebhookPushUser(ctx, 9, models.ServerJP, models.DataTypeSuite, "sub-2"))
			targets, err = s.GetWebhookPushTargets(ctx, 9, models.ServerJP, models.DataTypeSuite)
			require.NoError(t, err)
			require.Len(t, targets, 1)
			assert.Equal(t, "sub-1", targets[0].ID)
		})
	}
}

func TestAppendUploadLog(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			err := s.AppendUploadLog(context.Background(), models.UploadLogEntry{
				ID:         "log-1",
				UserID:     42,
				Server:     "jp",
				DataType:   "suite",
				Source:     "upload",
				UploadTime: 1700000000,
			}, []byte("raw encoded payload"))
			require.NoError(t, err)
		})
	}
}
