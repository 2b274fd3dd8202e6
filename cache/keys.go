package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/sekaitools/suitesync/models"
)

const publicNamespace = "public_access"

// Key builds a cache key for one public read path. Keys are namespaced and
// carry a digest of the query string so every query variant caches
// independently; an empty query hashes to the literal "none".
func Key(namespace, path, query string) string {
	queryHash := "none"
	if query != "" {
		sum := md5.Sum([]byte(query))
		queryHash = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s:%s:query=%s", namespace, path, queryHash)
}

// RecordKeys returns every cache key that must be dropped when the record
// for (server, data type, user) changes: the full-record entry and the
// upload-time-only entry, which readers poll separately.
func RecordKeys(server models.Server, dataType models.DataType, userID int64) []string {
	path := fmt.Sprintf("/public/%s/%s/%d", server, dataType, userID)
	return []string{
		Key(publicNamespace, path, ""),
		Key(publicNamespace, path, "key=upload_time"),
	}
}
