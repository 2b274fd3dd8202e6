package sekai

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/models"
)

// Forwarder relays already-authenticated caller requests to the upstream
// acquire endpoints. It terminates no sessions of its own: the caller's
// headers carry the session, filtered to the known-good set, and the
// upstream's response travels back verbatim.
type Forwarder struct {
	cfg        config.Upstream
	server     models.Server
	codec      *codec.Codec
	httpClient *http.Client
	logger     *slog.Logger
}

// ForwardResult is the upstream response plus, on success, the decoded
// payload ready for ingestion. Body and headers are always the upstream's
// exact bytes; Decoded is nil when the call failed or the payload did not
// decode.
type ForwardResult struct {
	Status  int
	Header  http.Header
	Body    []byte
	Decoded map[string]any
}

func NewForwarder(server models.Server, cfg config.Upstream, cdc *codec.Codec, httpClient *http.Client, logger *slog.Logger) *Forwarder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	return &Forwarder{
		cfg:        cfg,
		server:     server,
		codec:      cdc,
		httpClient: httpClient,
		logger:     logger.WithGroup("sekai_proxy").With("server", string(server)),
	}
}

// Forward relays one acquire request. The endpoint is fixed by (data type,
// user id); the caller's method, body and allow-listed headers pass through,
// with the Host pinned to the configured upstream.
func (f *Forwarder) Forward(ctx context.Context, dataType models.DataType, userID int64, method string, callerHeader http.Header, body []byte) (*ForwardResult, error) {
	target := f.cfg.API + AcquirePath(dataType, userID)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for name, values := range callerHeader {
		if _, ok := allowedProxyHeaders[strings.ToLower(name)]; !ok {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Host = f.cfg.Host

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransientUpstreamError{Op: "proxy " + string(dataType), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientUpstreamError{Op: "proxy read", Err: err}
	}

	result := &ForwardResult{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}
	if resp.StatusCode == http.StatusOK {
		decoded, err := f.codec.UnpackMap(respBody, f.server)
		if err != nil {
			// The relay itself succeeded; only the local copy is lost.
			f.logger.Warn("forwarded payload did not decode", "user_id", userID, "error", err)
		} else {
			result.Decoded = decoded
		}
	}
	f.logger.Info("forwarded request", "user_id", userID, "type", string(dataType), "status", resp.StatusCode)
	return result, nil
}
