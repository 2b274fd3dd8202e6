// Package sekai talks to the upstream game service: it emulates the mobile
// client's session flow to pull save data for an inherited account, and it
// forwards already-authenticated caller requests to the fixed endpoints.
package sekai

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/models"
)

// Upstream paths, relative to each server's API base URL. Endpoint paths and
// header sets are fixed per server; nothing is discovered at runtime.
const (
	suiteAcquirePath   = "/suite/user/%d"
	mysekaiAcquirePath = "/user/%d/mysekai"
	mysekaiRoomPath    = "/user/%d/mysekai/room"
	inheritPath        = "/inherit/user/%s"
	authPath           = "/user/%d/auth"
	systemPath         = "/system"
	informationPath    = "/information"
	friendsPath        = "/user/%d/friends"
	homeRefreshPath    = "/user/%d/home/refresh"
	maintenancePath    = "/module-maintenance/%s"
)

// Session headers exchanged with the upstream.
const (
	headerSessionToken     = "X-Session-Token"
	headerRequestID        = "X-Request-Id"
	headerLoginBonusStatus = "X-Login-Bonus-Status"
	headerAppVersion       = "X-App-Version"
	headerAppHash          = "X-App-Hash"
	headerDataVersion      = "X-Data-Version"
	headerAssetVersion     = "X-Asset-Version"
	headerInheritToken     = "X-Inherit-Token"
)

// AcquirePath is the fixed endpoint the proxy forwarder targets for one
// data kind.
func AcquirePath(dataType models.DataType, userID int64) string {
	if dataType == models.DataTypeMysekai {
		return fmt.Sprintf(mysekaiAcquirePath, userID)
	}
	return fmt.Sprintf(suiteAcquirePath, userID)
}

// allowedProxyHeaders is the set of caller headers forwarded upstream;
// everything else is stripped. Matching is case insensitive.
var allowedProxyHeaders = map[string]struct{}{
	"user-agent":        {},
	"cookie":            {},
	"x-forwarded-for":   {},
	"accept-language":   {},
	"accept":            {},
	"accept-encoding":   {},
	"x-devicemodel":     {},
	"x-app-hash":        {},
	"x-operatingsystem": {},
	"x-kc":              {},
	"x-unity-version":   {},
	"x-app-version":     {},
	"x-platform":        {},
	"x-session-token":   {},
	"x-asset-version":   {},
	"x-request-id":      {},
	"x-data-version":    {},
	"content-type":      {},
	"x-install-id":      {},
}

var uploadUserIDPattern = regexp.MustCompile(`user/(\d+)`)

// InferUpload recovers (data type, user id, server) from the original
// request URL a capture script saw. Unrecognized patterns are rejected
// before anything is buffered.
func InferUpload(originalURL string, servers map[string]config.Upstream) (models.DataType, int64, models.Server, error) {
	var dataType models.DataType
	switch {
	case strings.Contains(originalURL, string(models.DataTypeMysekai)):
		dataType = models.DataTypeMysekai
	case strings.Contains(originalURL, string(models.DataTypeSuite)):
		dataType = models.DataTypeSuite
	default:
		return "", 0, "", &models.ValidationError{Message: fmt.Sprintf("unrecognized upload url: %s", originalURL)}
	}

	match := uploadUserIDPattern.FindStringSubmatch(originalURL)
	if match == nil {
		return "", 0, "", &models.ValidationError{Message: fmt.Sprintf("no user id in upload url: %s", originalURL)}
	}
	userID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return "", 0, "", &models.ValidationError{Message: fmt.Sprintf("invalid user id in upload url: %s", originalURL)}
	}

	for name, upstream := range servers {
		if upstream.Host != "" && strings.Contains(originalURL, upstream.Host) {
			return dataType, userID, models.Server(name), nil
		}
	}
	return "", 0, "", &models.ValidationError{Message: fmt.Sprintf("unrecognized game server in upload url: %s", originalURL)}
}
