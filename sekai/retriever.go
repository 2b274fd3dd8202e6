package sekai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sekaitools/suitesync/models"
)

// Result is a retrieved snapshot: the primary save payload and, when
// requested and not blocked by maintenance, the secondary dataset. Both are
// still in the encrypted wire format.
type Result struct {
	Server  models.Server
	UserID  int64
	Suite   []byte
	Mysekai []byte
	Policy  models.Policy
}

// Retriever drives a protocol client through the full retrieval sequence
// for one inherited account.
type Retriever struct {
	client   *Client
	policy   models.Policy
	dataType models.DataType
	logger   *slog.Logger

	errExists bool
	errMsg    string
}

func NewRetriever(client *Client, policy models.Policy, dataType models.DataType, logger *slog.Logger) *Retriever {
	return &Retriever{
		client:   client,
		policy:   policy,
		dataType: dataType,
		logger:   logger.WithGroup("sekai_retriever"),
	}
}

func (r *Retriever) ErrorExists() bool    { return r.errExists }
func (r *Retriever) ErrorMessage() string { return r.errMsg }

func (r *Retriever) setError(message string) {
	if r.errExists {
		return
	}
	r.errExists = true
	r.errMsg = message
	r.logger.Error(message)
}

// Run performs the retrieval. The client session is closed on every return
// path. On failure the retriever records (error, message) and returns nil.
func (r *Retriever) Run(ctx context.Context) *Result {
	defer r.client.Close()

	r.client.Init(ctx)
	if r.client.ErrorExists() {
		r.setError(r.client.ErrorMessage())
		return nil
	}

	suite := r.retrieveSuite(ctx)
	if r.errExists {
		return nil
	}

	var mysekai []byte
	if r.dataType == models.DataTypeMysekai {
		mysekai = r.retrieveMysekai(ctx)
	}
	if r.errExists {
		return nil
	}

	return &Result{
		Server:  r.client.server,
		UserID:  r.client.UserID(),
		Suite:   suite,
		Mysekai: mysekai,
		Policy:  r.policy,
	}
}

// retrieveSuite pulls the primary save payload and replays the home screen
// refresh the real client performs afterwards. Which refresh sequence runs
// depends on whether the account has friends and whether a login bonus was
// flagged during authentication.
func (r *Retriever) retrieveSuite(ctx context.Context) []byte {
	if r.errExists {
		return nil
	}
	r.logger.Info("retrieving suite")

	path := fmt.Sprintf(suiteAcquirePath, r.client.UserID())
	suite := r.client.CallAPI(ctx, path, http.MethodGet, nil, nil, nil)
	if suite == nil || r.client.ErrorExists() {
		r.setError("Failed to retrieve suite, it may be due to API response timeout.")
		return nil
	}

	r.client.CallAPI(ctx, path, http.MethodGet, nil, nil, nil)
	r.client.CallAPI(ctx, systemPath, http.MethodGet, nil, nil, nil)

	decoded, err := r.client.UnpackMap(suite)
	if err != nil {
		r.setError("Failed to retrieve suite, it may be due to API response timeout.")
		return nil
	}
	friends := false
	if list, ok := decoded["userFriends"].([]any); ok {
		friends = len(list) > 0
	}
	r.refreshHome(ctx, friends, r.client.LoginBonus())
	return suite
}

// refreshHome mirrors the client's home screen reload: friend state first
// when there are social connections, then the refresh call itself, which
// claims the login bonus when one is pending.
func (r *Retriever) refreshHome(ctx context.Context, friends, login bool) {
	if r.errExists || r.client.ErrorExists() {
		return
	}
	r.logger.Info("refreshing home", "friends", friends, "login_bonus", login)

	if friends {
		r.client.CallAPI(ctx, fmt.Sprintf(friendsPath, r.client.UserID()), http.MethodGet, nil, nil, nil)
	}
	r.client.CallAPI(ctx, systemPath, http.MethodGet, nil, nil, nil)
	r.client.CallAPI(ctx, informationPath, http.MethodGet, nil, nil, nil)

	refreshableTypes := []string{"new_pending_friend_request"}
	if login {
		refreshableTypes = append(refreshableTypes, "login_bonus")
	}
	body, err := r.client.Pack(map[string]any{"refreshableTypes": refreshableTypes})
	if err != nil {
		r.logger.Error("failed to pack home refresh body", "error", err)
		return
	}
	r.client.CallAPI(ctx, fmt.Sprintf(homeRefreshPath, r.client.UserID()), http.MethodPut, nil, body, nil)
}

// retrieveMysekai pulls the secondary dataset. Either maintenance flag
// being set skips the retrieval entirely; that is not an error, the data is
// simply unavailable right now.
func (r *Retriever) retrieveMysekai(ctx context.Context) []byte {
	if r.errExists {
		return nil
	}

	for _, module := range []string{"MYSEKAI", "MYSEKAI_ROOM"} {
		data := r.client.CallAPI(ctx, fmt.Sprintf(maintenancePath, module), http.MethodGet, nil, nil, nil)
		if r.client.ErrorExists() {
			r.setError(r.client.ErrorMessage())
			return nil
		}
		decoded, err := r.client.UnpackMap(data)
		if err != nil {
			r.setError("Failed to check maintenance status.")
			return nil
		}
		if ongoing, ok := decoded["isOngoing"].(bool); ok && ongoing {
			r.logger.Info("secondary dataset unavailable", "reason", (&models.MaintenanceBlocked{Module: module}).Error())
			return nil
		}
	}

	body, err := r.client.Pack(map[string]any{})
	if err != nil {
		r.setError("Failed to retrieve mysekai data.")
		return nil
	}
	mysekai := r.client.CallAPI(ctx, fmt.Sprintf(mysekaiAcquirePath, r.client.UserID()), http.MethodPost, nil, body, nil)
	if mysekai == nil || r.client.ErrorExists() {
		r.setError("Failed to retrieve mysekai data.")
		return nil
	}

	roomBody, err := r.client.Pack(map[string]any{})
	if err == nil {
		r.client.CallAPI(ctx, fmt.Sprintf(mysekaiRoomPath, r.client.UserID()), http.MethodPost, nil, roomBody, nil)
	}
	r.client.CallAPI(ctx, fmt.Sprintf(mysekaiAcquirePath, r.client.UserID()), http.MethodGet, nil, nil, nil)
	return mysekai
}
