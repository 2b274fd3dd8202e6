package models

import "fmt"

// Server identifies one deployment of the upstream game service. Each server
// has its own endpoints and codec keys; see the config package for the table.
type Server string

const (
	ServerJP Server = "jp"
	ServerEN Server = "en"
	ServerTW Server = "tw"
	ServerKR Server = "kr"
	ServerCN Server = "cn"
)

func ParseServer(s string) (Server, error) {
	switch Server(s) {
	case ServerJP, ServerEN, ServerTW, ServerKR, ServerCN:
		return Server(s), nil
	}
	return "", fmt.Errorf("unsupported server: %q", s)
}

// DataType is the logical dataset being handled.
type DataType string

const (
	DataTypeSuite   DataType = "suite"
	DataTypeMysekai DataType = "mysekai"
)

func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case DataTypeSuite, DataTypeMysekai:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unsupported data type: %q", s)
}

// Policy gates external read access and webhook fan-out for a record.
type Policy string

const (
	PolicyPublic  Policy = "public"
	PolicyPrivate Policy = "private"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPublic, PolicyPrivate:
		return Policy(s), nil
	}
	return "", fmt.Errorf("policy must be either public or private, got %q", s)
}

// InheritInformation is the caller-supplied account transfer code pair.
type InheritInformation struct {
	InheritID       string `json:"inherit_id"`
	InheritPassword string `json:"inherit_password"`
}

// WebhookSubscription is one registered callback target. The credential is
// only ever compared against the management token, never handed out.
type WebhookSubscription struct {
	ID          string `json:"_id,omitempty"`
	CallbackURL string `json:"callback_url"`
	Bearer      string `json:"bearer,omitempty"`
	Credential  string `json:"credential,omitempty"`
}

// WebhookBinding maps one (user, server, data type) tuple onto the set of
// subscriptions that want notifications for it.
type WebhookBinding struct {
	UserID         string   `json:"uid"`
	Server         string   `json:"server"`
	DataType       string   `json:"type"`
	WebhookUserIDs []string `json:"webhook_user_ids,omitempty"`
}

// UploadLogEntry is the audit trail row written after each ingestion.
type UploadLogEntry struct {
	ID            string `json:"id"`
	UserID        int64  `json:"user_id"`
	Server        string `json:"server"`
	DataType      string `json:"data_type"`
	Source        string `json:"source"`
	ScriptVersion string `json:"script_version,omitempty"`
	UploadTime    int64  `json:"upload_time"`
}

// HandleResult reports the outcome of one ingestion.
type HandleResult struct {
	UserID  int64
	Status  int
	Message string
}

// APIResponse is the uniform JSON body for management and upload endpoints.
type APIResponse struct {
	Message string `json:"message"`
}
