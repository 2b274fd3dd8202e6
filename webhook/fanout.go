// Package webhook notifies registered third parties when a public record
// changes. Delivery is best effort: notifications fire concurrently, a
// failed call is logged and forgotten, and nothing is queued or retried.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sekaitools/suitesync/models"
	"github.com/sekaitools/suitesync/store"
)

const defaultTimeout = 10 * time.Second

type Fanout struct {
	store     store.DataStore
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

func NewFanout(dataStore store.DataStore, userAgent string, logger *slog.Logger) *Fanout {
	return &Fanout{
		store:     dataStore,
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: userAgent,
		logger:    logger.WithGroup("webhook_fanout"),
	}
}

// Dispatch resolves the subscriptions bound to (user, server, data type) and
// issues one notification per subscriber. Individual failures never affect
// sibling calls; the only returned error is a resolution failure.
func (f *Fanout) Dispatch(ctx context.Context, userID int64, server models.Server, dataType models.DataType) error {
	targets, err := f.store.GetWebhookPushTargets(ctx, userID, server, dataType)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			f.notify(ctx, target, userID, server, dataType)
			return nil
		})
	}
	return g.Wait()
}

func (f *Fanout) notify(ctx context.Context, sub models.WebhookSubscription, userID int64, server models.Server, dataType models.DataType) {
	url := formatCallback(sub.CallbackURL, userID, server, dataType)
	logger := f.logger.With("url", url, "webhook_id", sub.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		logger.Error("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("User-Agent", f.userAgent)
	if sub.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+sub.Bearer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		logger.Error("webhook call failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		logger.Info("webhook delivered")
	} else {
		logger.Error("webhook call rejected", "status", resp.StatusCode)
	}
}

// formatCallback fills the subscriber's URL template. Templates use the
// placeholders {user_id}, {server}, and {data_type}.
func formatCallback(template string, userID int64, server models.Server, dataType models.DataType) string {
	r := strings.NewReplacer(
		"{user_id}", strconv.FormatInt(userID, 10),
		"{server}", string(server),
		"{data_type}", string(dataType),
	)
	return r.Replace(template)
}
