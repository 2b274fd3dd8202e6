package service

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/sekaitools/suitesync/chunks"
	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/ingest"
	"github.com/sekaitools/suitesync/models"
	"github.com/sekaitools/suitesync/sekai"
	"github.com/sekaitools/suitesync/webhook"
)

const (
	headerScriptVersion = "X-Script-Version"
	headerOriginalURL   = "X-Original-Url"
	headerUploadID      = "X-Upload-Id"
	headerChunkIndex    = "X-Chunk-Index"
	headerTotalChunks   = "X-Total-Chunks"
	headerUploadPolicy  = "X-Upload-Policy"
)

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Could not encode response", "error", err)
	}
}

func (s *Service) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, models.APIResponse{Message: message})
}

// writeError maps the error taxonomy onto HTTP statuses. Anything outside
// the taxonomy is a 500 with no internal detail.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	var validationErr *models.ValidationError
	var authErr *models.AuthError
	var codecErr *codec.Error
	var statusErr *models.UpstreamStatusError
	var upstreamErr *models.TransientUpstreamError

	switch {
	case errors.As(err, &validationErr):
		s.writeMessage(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &authErr):
		s.writeMessage(w, http.StatusForbidden, authErr.Message)
	case errors.As(err, &codecErr):
		s.writeMessage(w, http.StatusBadRequest, "payload could not be decoded")
	case errors.As(err, &statusErr):
		s.writeMessage(w, http.StatusBadRequest, statusErr.Error())
	case errors.As(err, &upstreamErr):
		s.writeMessage(w, http.StatusBadGateway, "upstream request failed, please retry later")
	default:
		s.logger.Error("Unhandled error", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// uploadTarget parses the common {server}/{uploadType}/{policy} path
// segments and resolves the server's configuration.
func (s *Service) uploadTarget(r *http.Request) (models.Server, config.Upstream, models.DataType, models.Policy, error) {
	server, err := models.ParseServer(r.PathValue("server"))
	if err != nil {
		return "", config.Upstream{}, "", "", &models.ValidationError{Message: err.Error()}
	}
	upstream, ok := s.cfg.Servers[string(server)]
	if !ok {
		return "", config.Upstream{}, "", "", &models.ValidationError{Message: "server is not configured: " + string(server)}
	}
	dataType, err := models.ParseDataType(r.PathValue("uploadType"))
	if err != nil {
		return "", config.Upstream{}, "", "", &models.ValidationError{Message: err.Error()}
	}
	policy, err := models.ParsePolicy(r.PathValue("policy"))
	if err != nil {
		return "", config.Upstream{}, "", "", &models.ValidationError{Message: err.Error()}
	}
	return server, upstream, dataType, policy, nil
}

func (s *Service) uploadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	server, _, dataType, policy, err := s.uploadTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if dataType != models.DataTypeSuite {
		s.writeError(w, &models.ValidationError{Message: "a user id is required for this upload type"})
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: "could not read upload body"})
		return
	}

	result, err := s.pipeline.HandleUpload(r.Context(), ingest.Upload{
		Server:   server,
		DataType: dataType,
		Policy:   policy,
		Source:   "upload",
	}, raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, result.Status, uploadResponse{Message: result.Message, UserID: result.UserID})
}

func (s *Service) uploadWithUserHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	server, _, dataType, policy, err := s.uploadTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if dataType != models.DataTypeMysekai {
		// Suite records name their owner inside the payload; accepting a
		// path-supplied id here would persist the record under someone
		// else's user id.
		s.writeError(w, &models.ValidationError{Message: "suite uploads recover the user id from the payload"})
		return
	}
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: "user id must be numeric"})
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: "could not read upload body"})
		return
	}

	result, err := s.pipeline.HandleUpload(r.Context(), ingest.Upload{
		Server:   server,
		DataType: dataType,
		Policy:   policy,
		UserID:   userID,
		Source:   "upload",
	}, raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, result.Status, uploadResponse{Message: result.Message, UserID: result.UserID})
}

type uploadResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id,omitempty"`
}

func (s *Service) submitInheritHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	server, upstream, dataType, policy, err := s.uploadTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Rejections happen before any upstream work.
	if server == models.ServerEN && dataType == models.DataTypeMysekai {
		s.writeMessage(w, http.StatusForbidden, "mysekai inheritance is not supported for this server")
		return
	}
	if !upstream.Inherit {
		s.writeMessage(w, http.StatusForbidden, "inheritance is not supported for this server")
		return
	}
	if dataType == models.DataTypeMysekai && !upstream.Mysekai {
		s.writeMessage(w, http.StatusForbidden, "mysekai is not supported for this server")
		return
	}

	var inherit models.InheritInformation
	if err := json.NewDecoder(r.Body).Decode(&inherit); err != nil {
		s.writeError(w, &models.ValidationError{Message: "invalid JSON body"})
		return
	}
	if inherit.InheritID == "" || inherit.InheritPassword == "" {
		s.writeError(w, &models.ValidationError{Message: "inherit_id and inherit_password are required"})
		return
	}

	client := sekai.NewClient(server, upstream, s.codec, inherit, s.logger, sekai.Options{HTTPClient: s.httpClient})
	retriever := sekai.NewRetriever(client, policy, dataType, s.logger)

	result := retriever.Run(r.Context())
	if result == nil {
		if err := client.Err(); err != nil {
			s.writeError(w, err)
		} else {
			s.writeMessage(w, http.StatusInternalServerError, retriever.ErrorMessage())
		}
		return
	}

	handled, err := s.pipeline.HandleUpload(r.Context(), ingest.Upload{
		Server:   server,
		DataType: models.DataTypeSuite,
		Policy:   policy,
		UserID:   result.UserID,
		Source:   "inherit",
	}, result.Suite)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Mysekai != nil {
		if _, err := s.pipeline.HandleUpload(r.Context(), ingest.Upload{
			Server:   server,
			DataType: models.DataTypeMysekai,
			Policy:   policy,
			UserID:   result.UserID,
			Source:   "inherit",
		}, result.Mysekai); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, uploadResponse{Message: handled.Message, UserID: handled.UserID})
}

func (s *Service) scriptUploadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	originalURL := r.Header.Get(headerOriginalURL)
	uploadID := r.Header.Get(headerUploadID)
	if originalURL == "" || uploadID == "" {
		s.writeError(w, &models.ValidationError{Message: "X-Original-Url and X-Upload-Id are required"})
		return
	}
	index, err := strconv.Atoi(r.Header.Get(headerChunkIndex))
	if err != nil || index < 0 {
		s.writeError(w, &models.ValidationError{Message: "X-Chunk-Index must be a non-negative integer"})
		return
	}
	total, err := strconv.Atoi(r.Header.Get(headerTotalChunks))
	if err != nil || total <= 0 || index >= total {
		s.writeError(w, &models.ValidationError{Message: "X-Total-Chunks must be a positive integer greater than the chunk index"})
		return
	}
	policy, err := models.ParsePolicy(r.Header.Get(headerUploadPolicy))
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: err.Error()})
		return
	}
	scriptVersion := r.Header.Get(headerScriptVersion)
	if scriptVersion == "" {
		scriptVersion = "unknown"
	}

	dataType, userID, server, err := sekai.InferUpload(originalURL, s.cfg.Servers)
	if err != nil {
		s.writeError(w, err)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: "could not read chunk body"})
		return
	}

	payload, complete := s.reassembler.Submit(chunks.Chunk{
		RequestURL: originalURL,
		UploadID:   uploadID,
		Index:      index,
		Total:      total,
		Received:   time.Now(),
		Data:       data,
	})
	if !complete {
		s.writeMessage(w, http.StatusOK, "chunk received")
		return
	}

	result, err := s.pipeline.HandleUpload(r.Context(), ingest.Upload{
		Server:        server,
		DataType:      dataType,
		Policy:        policy,
		UserID:        userID,
		Source:        "script",
		ScriptVersion: scriptVersion,
	}, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, result.Status, uploadResponse{Message: result.Message, UserID: result.UserID})
}

// proxyTarget parses the proxy path segments. The policy rides on the path
// so the ingestion that follows a successful decode can stamp it.
func (s *Service) proxyTarget(r *http.Request) (*sekai.Forwarder, models.Server, models.Policy, int64, error) {
	server, err := models.ParseServer(r.PathValue("server"))
	if err != nil {
		return nil, "", "", 0, &models.ValidationError{Message: err.Error()}
	}
	forwarder, ok := s.forwarders[server]
	if !ok {
		return nil, "", "", 0, &models.ValidationError{Message: "server is not configured: " + string(server)}
	}
	policy, err := models.ParsePolicy(r.PathValue("policy"))
	if err != nil {
		return nil, "", "", 0, &models.ValidationError{Message: err.Error()}
	}
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil {
		return nil, "", "", 0, &models.ValidationError{Message: "user id must be numeric"}
	}
	return forwarder, server, policy, userID, nil
}

func (s *Service) proxySuiteHandler(w http.ResponseWriter, r *http.Request) {
	s.proxyHandler(w, r, models.DataTypeSuite, nil)
}

func (s *Service) proxyMysekaiHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &models.ValidationError{Message: "could not read request body"})
		return
	}
	s.proxyHandler(w, r, models.DataTypeMysekai, body)
}

// proxyHandler relays the caller's request and mirrors the upstream
// response exactly. A decodable 200 additionally feeds the ingestion
// pipeline after the response is written; ingestion failures never reach
// the caller.
func (s *Service) proxyHandler(w http.ResponseWriter, r *http.Request, dataType models.DataType, body []byte) {
	forwarder, server, policy, userID, err := s.proxyTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := forwarder.Forward(r.Context(), dataType, userID, r.Method, r.Header, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	header := w.Header()
	for name, values := range result.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(result.Status)
	if _, err := w.Write(result.Body); err != nil {
		s.logger.Error("Could not write proxy response", "error", err)
	}

	if result.Decoded == nil {
		return
	}
	if _, err := s.pipeline.HandleDecoded(r.Context(), ingest.Upload{
		Server:   server,
		DataType: dataType,
		Policy:   policy,
		UserID:   userID,
		Source:   "proxy",
	}, result.Decoded, result.Body); err != nil {
		s.logger.Error("Could not ingest proxied payload", "user_id", userID, "error", err)
	}
}

// authorizeWebhook validates the management token and loads the
// subscription it names.
func (s *Service) authorizeWebhook(r *http.Request) (*models.WebhookSubscription, error) {
	id, credential, err := webhook.ParseToken(s.cfg.Webhook.Secret, r.Header.Get(webhook.TokenHeader))
	if err != nil {
		return nil, &models.AuthError{Message: err.Error()}
	}
	sub, err := s.dataStore.GetWebhookUser(r.Context(), id, credential)
	if err != nil {
		return nil, &models.AuthError{Message: "unknown subscription or wrong credential"}
	}
	return sub, nil
}

// webhookTarget parses the {server}/{dataType}/{userID} binding segments.
func (s *Service) webhookTarget(r *http.Request) (models.Server, models.DataType, int64, error) {
	server, err := models.ParseServer(r.PathValue("server"))
	if err != nil {
		return "", "", 0, &models.ValidationError{Message: err.Error()}
	}
	dataType, err := models.ParseDataType(r.PathValue("dataType"))
	if err != nil {
		return "", "", 0, &models.ValidationError{Message: err.Error()}
	}
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil {
		return "", "", 0, &models.ValidationError{Message: "user id must be numeric"}
	}
	return server, dataType, userID, nil
}

func (s *Service) webhookSubscribersHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.authorizeWebhook(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bindings, err := s.dataStore.GetWebhookSubscribers(r.Context(), sub.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bindings == nil {
		bindings = []models.WebhookBinding{}
	}
	s.writeJSON(w, http.StatusOK, bindings)
}

func (s *Service) webhookBindHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.authorizeWebhook(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	server, dataType, userID, err := s.webhookTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dataStore.AddWebhookPushUser(r.Context(), userID, server, dataType, sub.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "webhook binding added")
}

func (s *Service) webhookUnbindHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.authorizeWebhook(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	server, dataType, userID, err := s.webhookTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dataStore.RemoveWebhookPushUser(r.Context(), userID, server, dataType, sub.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "webhook binding removed")
}
