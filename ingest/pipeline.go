// Package ingest is the common tail behind every way save data enters the
// system: it decodes (when handed raw bytes), stamps bookkeeping fields,
// redacts session tables, persists, invalidates the read cache, and kicks
// off webhook fan-out for public records.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sekaitools/suitesync/cache"
	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/models"
	"github.com/sekaitools/suitesync/store"
	"github.com/sekaitools/suitesync/webhook"
)

// Upload describes one ingestion: where the payload came from and which
// record it belongs to. UserID zero means "recover it from the payload",
// which only works for suite data.
type Upload struct {
	Server        models.Server
	DataType      models.DataType
	Policy        models.Policy
	UserID        int64
	Source        string
	ScriptVersion string
}

type Pipeline struct {
	codec   *codec.Codec
	store   store.DataStore
	cache   cache.Store
	fanout  *webhook.Fanout
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewPipeline(cdc *codec.Codec, dataStore store.DataStore, readCache cache.Store, fanout *webhook.Fanout, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		codec:   cdc,
		store:   dataStore,
		cache:   readCache,
		fanout:  fanout,
		logger:  logger.WithGroup("ingest"),
		nowFunc: time.Now,
	}
}

// HandleUpload decodes raw payload bytes and runs the full ingestion. The
// decoded payload may itself carry an upstream error envelope; that is
// surfaced as an UpstreamStatusError, not persisted.
func (p *Pipeline) HandleUpload(ctx context.Context, upload Upload, raw []byte) (*models.HandleResult, error) {
	decoded, err := p.codec.UnpackMap(raw, upload.Server)
	if err != nil {
		return nil, err
	}
	return p.HandleDecoded(ctx, upload, decoded, raw)
}

// HandleDecoded runs the ingestion tail on an already-decoded record.
func (p *Pipeline) HandleDecoded(ctx context.Context, upload Upload, record map[string]any, raw []byte) (*models.HandleResult, error) {
	if err := checkEnvelope(record); err != nil {
		return nil, err
	}

	userID := upload.UserID
	if userID == 0 {
		recovered, err := recoverUserID(record)
		if err != nil {
			return nil, err
		}
		userID = recovered
	}

	logger := p.logger.With(
		"user_id", userID,
		"server", string(upload.Server),
		"type", string(upload.DataType),
	)

	if upload.DataType == models.DataTypeSuite {
		record = CleanSuite(record)
	}

	uploadTime := p.nowFunc().Unix()
	record["upload_time"] = uploadTime
	record["policy"] = string(upload.Policy)
	record["_id"] = userID
	record["server"] = string(upload.Server)

	if err := p.store.UpdateData(ctx, userID, upload.DataType, record); err != nil {
		return nil, err
	}

	entry := models.UploadLogEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Server:        string(upload.Server),
		DataType:      string(upload.DataType),
		Source:        upload.Source,
		ScriptVersion: upload.ScriptVersion,
		UploadTime:    uploadTime,
	}
	if err := p.store.AppendUploadLog(ctx, entry, raw); err != nil {
		logger.Error("failed to append upload log", "error", err)
	}

	p.invalidate(ctx, upload.Server, upload.DataType, userID)

	if upload.Policy == models.PolicyPublic {
		p.scheduleFanout(ctx, userID, upload.Server, upload.DataType)
	}

	logger.Info("ingested record", "source", upload.Source)
	return &models.HandleResult{
		UserID:  userID,
		Status:  200,
		Message: "upload success",
	}, nil
}

// invalidate drops the externally visible cache entries for the record. A
// failed invalidation is logged and never fails the ingestion.
func (p *Pipeline) invalidate(ctx context.Context, server models.Server, dataType models.DataType, userID int64) {
	for _, key := range cache.RecordKeys(server, dataType, userID) {
		if err := p.cache.Delete(ctx, key); err != nil {
			p.logger.Error("failed to invalidate cache entry", "key", key, "error", err)
		}
	}
}

// scheduleFanout detaches webhook delivery from the request: the ingesting
// caller gets its response without waiting on any subscriber.
func (p *Pipeline) scheduleFanout(ctx context.Context, userID int64, server models.Server, dataType models.DataType) {
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := p.fanout.Dispatch(detached, userID, server, dataType); err != nil {
			p.logger.Error("webhook fan-out failed", "user_id", userID, "error", err)
		}
	}()
}

// checkEnvelope rejects payloads that are an upstream error document rather
// than save data. The upstream wraps errors in the same encoding as real
// payloads, so this is only detectable after decoding.
func checkEnvelope(record map[string]any) error {
	status, ok := toInt(record["httpStatus"])
	if !ok {
		return nil
	}
	code, _ := record["errorCode"].(string)
	return &models.UpstreamStatusError{Status: status, Code: code}
}

// recoverUserID pulls the owning user id out of a suite payload.
func recoverUserID(record map[string]any) (int64, error) {
	gamedata, ok := record["userGamedata"].(map[string]any)
	if !ok {
		return 0, &models.ValidationError{Message: "payload carries no user gamedata"}
	}
	userID, ok := toInt64(gamedata["userId"])
	if !ok {
		return 0, &models.ValidationError{Message: "payload carries no user id"}
	}
	return userID, nil
}

func toInt(value any) (int, bool) {
	v, ok := toInt64(value)
	return int(v), ok
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int16:
		return int64(v), true
	case uint16:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint8:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	}
	return 0, false
}
