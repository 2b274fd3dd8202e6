package sekai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/models"
)

const (
	maxAttempts    = 6 // one initial request plus five retries
	callTimeout    = 8 * time.Second
	versionTimeout = 5 * time.Second
	settleDelay    = time.Second
)

const (
	authFailedMessage    = "Failed to get user information: auth failed, it may be because your account or password is incorrect."
	inheritFailedMessage = "The unknown error occurred while inheriting the account, please contact the developer."
	loginFailedMessage   = "The unknown error occurred while authenticating user, please contact the developer."
	callTimedOutMessage  = "Game API request timed out."
	versionFailedMessage = "Failed to fetch game version information."
	cookiesFailedMessage = "Failed to obtain session cookies."
)

// Client owns one logical session against one upstream server. It is single
// owner and non-reentrant: no two logical calls may interleave on the same
// session. The first unrecoverable failure latches the session into an error
// state; every later call is a no-op returning nil.
type Client struct {
	server  models.Server
	cfg     config.Upstream
	codec   *codec.Codec
	inherit models.InheritInformation
	logger  *slog.Logger

	httpClient *http.Client
	pace       *rate.Limiter

	headers    map[string]string
	userID     int64
	credential string
	loginBonus bool
	loggedIn   bool

	errExists  bool
	errMsg     string
	sessionErr error

	settle time.Duration
}

// Options tune a Client beyond the per-server configuration.
type Options struct {
	// HTTPClient carries the outbound proxy and transport settings; a
	// default client is used when nil.
	HTTPClient *http.Client
}

func NewClient(server models.Server, cfg config.Upstream, cdc *codec.Codec, inherit models.InheritInformation, logger *slog.Logger, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		server:     server,
		cfg:        cfg,
		codec:      cdc,
		inherit:    inherit,
		logger:     logger.WithGroup("sekai_client").With("server", string(server)),
		httpClient: httpClient,
		pace:       rate.NewLimiter(rate.Every(time.Second), 1),
		settle:     settleDelay,
		headers: map[string]string{
			"Content-Type":    "application/octet-stream",
			"Accept":          "*/*",
			"Accept-Encoding": "deflate, gzip",
			"X-Platform":      "Android",
			"X-Unity-Version": "2022.3.21f1",
			"User-Agent":      "UnityPlayer/2022.3.21f1 (UnityWebRequest/1.0, libcurl/8.5.0-DEV)",
		},
	}
}

func (c *Client) ErrorExists() bool    { return c.errExists }
func (c *Client) ErrorMessage() string { return c.errMsg }
func (c *Client) Err() error           { return c.sessionErr }
func (c *Client) UserID() int64        { return c.userID }
func (c *Client) LoginBonus() bool     { return c.loginBonus }

// setError latches the session error state. Only the first error sticks.
func (c *Client) setError(message string, err error) {
	if c.errExists {
		return
	}
	c.errExists = true
	c.errMsg = message
	c.sessionErr = err
	c.logger.Error(message, "error", err)
}

// Init drives the session to the ready state: optional cookie bootstrap,
// version negotiation, the two-step account inheritance exchange, and login.
// On failure the session records (error, message) instead of returning; the
// caller checks ErrorExists.
func (c *Client) Init(ctx context.Context) {
	c.getCookies(ctx)
	c.parseAppVersion(ctx)
	c.inheritAccount(ctx, true)
	c.inheritAccount(ctx, false)
	c.login(ctx)
}

// Close releases the session. Safe to call in any state, and must be called
// on every exit path.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// getCookies performs the cookie bootstrap for servers that issue a session
// cookie instead of a bearer token.
func (c *Client) getCookies(ctx context.Context) {
	if !c.cfg.RequiresCookie || c.errExists {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CookieURL, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("cookie bootstrap failed, retrying", "attempt", attempt, "error", err)
			continue
		}
		cookie := resp.Header.Get("Set-Cookie")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK && cookie != "" {
			c.headers["Cookie"] = cookie
			c.logger.Info("session cookies obtained")
			return
		}
		lastErr = fmt.Errorf("cookie endpoint returned status %d", resp.StatusCode)
		c.logger.Warn("cookie bootstrap rejected, retrying", "attempt", attempt, "status", resp.StatusCode)
	}
	c.setError(cookiesFailedMessage, &models.TransientUpstreamError{Op: "cookie bootstrap", Err: lastErr})
}

type versionInfo struct {
	AppVersion   string `json:"appVersion"`
	AppHash      string `json:"appHash"`
	DataVersion  string `json:"dataVersion"`
	AssetVersion string `json:"assetVersion"`
}

// parseAppVersion negotiates the app/data/asset version header set from the
// server's version-info document. These headers ride on every later call.
func (c *Client) parseAppVersion(ctx context.Context) {
	if c.errExists {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, versionTimeout)
		info, err := c.fetchVersionInfo(reqCtx)
		cancel()
		if err == nil {
			c.headers[headerAppVersion] = info.AppVersion
			c.headers[headerAppHash] = info.AppHash
			c.headers[headerDataVersion] = info.DataVersion
			c.headers[headerAssetVersion] = info.AssetVersion
			return
		}
		lastErr = err
		c.logger.Warn("version negotiation failed, retrying", "attempt", attempt, "error", err)
	}
	c.setError(versionFailedMessage, &models.TransientUpstreamError{Op: "version negotiation", Err: lastErr})
}

func (c *Client) fetchVersionInfo(ctx context.Context) (*versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.VersionURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version endpoint returned status %d", resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CallAPI performs one authenticated exchange. It attaches a fresh request
// id, honors the negotiated headers, refreshes the session token from the
// response, and observes the login-bonus flag. A no-op returning nil once
// the session is in an error state. A timeout after login is terminal for
// the whole session.
func (c *Client) CallAPI(ctx context.Context, path, method string, params map[string]string, body []byte, extra map[string]string) []byte {
	if c.errExists {
		return nil
	}
	if c.loggedIn {
		if err := c.pace.Wait(ctx); err != nil {
			c.setError(callTimedOutMessage, &models.TransientUpstreamError{Op: "pacing", Err: err})
			return nil
		}
	}

	target := c.cfg.API + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		c.setError(callTimedOutMessage, &models.TransientUpstreamError{Op: "request build", Err: err})
		return nil
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setError(callTimedOutMessage, &models.TransientUpstreamError{Op: "call " + path, Err: err})
		return nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.setError(callTimedOutMessage, &models.TransientUpstreamError{Op: "read " + path, Err: err})
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("upstream call rejected", "path", path, "status", resp.StatusCode)
		return data
	}

	if token := resp.Header.Get(headerSessionToken); token != "" {
		c.headers[headerSessionToken] = token
	}
	if resp.Header.Get(headerLoginBonusStatus) == "true" {
		c.loginBonus = true
	}
	return data
}

// generateInheritToken signs the caller's transfer code pair into the
// short-lived token the inheritance endpoint expects.
func (c *Client) generateInheritToken() (string, error) {
	claims := jwt.MapClaims{
		"inheritId":       c.inherit.InheritID,
		"inheritPassword": c.inherit.InheritPassword,
		"exp":             time.Now().Add(time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.InheritKey))
}

// inheritAccount runs one leg of the inheritance exchange. The lookup leg
// resolves the account's user id without claiming it; the confirm leg
// obtains the durable credential.
func (c *Client) inheritAccount(ctx context.Context, lookupOnly bool) {
	if c.errExists {
		return
	}

	token, err := c.generateInheritToken()
	if err != nil {
		c.setError(inheritFailedMessage, err)
		return
	}

	params := map[string]string{"isExecuteInherit": "False"}
	if !lookupOnly {
		params["isExecuteInherit"] = "True"
	}
	if c.server == models.ServerEN {
		params["isAdult"] = "True"
		params["tAge"] = "16"
	}

	body, err := c.codec.Pack(map[string]any{}, c.server)
	if err != nil {
		c.setError(inheritFailedMessage, err)
		return
	}

	if lookupOnly {
		c.logger.Info("resolving inherited account")
	} else {
		c.logger.Info("claiming inherited account")
	}
	data := c.CallAPI(ctx, fmt.Sprintf(inheritPath, c.inherit.InheritID), http.MethodPost, params, body, map[string]string{
		headerInheritToken: token,
	})
	if c.errExists {
		return
	}
	time.Sleep(c.settle)

	decoded, err := c.codec.UnpackMap(data, c.server)
	if err != nil {
		c.setError(authFailedMessage, &models.AuthError{Message: authFailedMessage})
		return
	}

	gamedata, ok := decoded["afterUserGamedata"].(map[string]any)
	if !ok {
		if lookupOnly {
			c.setError(authFailedMessage, &models.AuthError{Message: authFailedMessage})
		} else {
			c.setError(inheritFailedMessage, &models.AuthError{Message: inheritFailedMessage})
		}
		return
	}

	if lookupOnly {
		userID, ok := toInt64(gamedata["userId"])
		if !ok {
			c.setError(authFailedMessage, &models.AuthError{Message: authFailedMessage})
			return
		}
		c.userID = userID
		c.logger.Info("resolved inherited account", "user_id", userID)
		return
	}

	credential, ok := decoded["credential"].(string)
	if !ok {
		c.setError(inheritFailedMessage, &models.AuthError{Message: inheritFailedMessage})
		return
	}
	c.credential = credential
	c.logger.Info("inherited account successfully")
}

// login authenticates with the inherited credential and obtains the session
// token used on every later call.
func (c *Client) login(ctx context.Context) {
	if c.errExists {
		return
	}
	c.logger.Info("authenticating user")

	body, err := c.codec.Pack(map[string]any{
		"credential": c.credential,
		"deviceId":   nil,
	}, c.server)
	if err != nil {
		c.setError(loginFailedMessage, err)
		return
	}

	data := c.CallAPI(ctx, fmt.Sprintf(authPath, c.userID), http.MethodPut, nil, body, nil)
	if c.errExists {
		return
	}
	decoded, err := c.codec.UnpackMap(data, c.server)
	if err != nil {
		c.setError(loginFailedMessage, err)
		return
	}

	// The upstream expects client pacing after authentication.
	time.Sleep(c.settle)
	c.CallAPI(ctx, systemPath, http.MethodGet, nil, nil, nil)
	if c.errExists {
		return
	}

	token, ok := decoded["sessionToken"].(string)
	if !ok {
		c.setError(loginFailedMessage, &models.AuthError{Message: loginFailedMessage})
		return
	}
	c.headers[headerSessionToken] = token
	c.loggedIn = true
}

// Pack and UnpackMap expose the session's codec to the retriever.
func (c *Client) Pack(value any) ([]byte, error) {
	return c.codec.Pack(value, c.server)
}

func (c *Client) UnpackMap(data []byte) (map[string]any, error) {
	return c.codec.UnpackMap(data, c.server)
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
