package models

import "encoding/json"

// Message types exchanged with clients as JSON text frames. Binary frames
// carry opaque CRDT updates and never pass through these types.
const (
	MessageTypeAuthError         = "auth_error"
	MessageTypeError             = "error"
	MessageTypePermissionRevoked = "permission_revoked"
	MessageTypePresenceUpdate    = "presence_update"
	MessageTypeAwareness         = "awareness"
)

// Error codes carried in auth_error/error messages
const (
	CodeAuthMissing         = "AUTH_MISSING"
	CodeAuthInvalid         = "AUTH_INVALID"
	CodeServerConfigError   = "SERVER_CONFIG_ERROR"
	CodeServerInternalError = "SERVER_INTERNAL_ERROR"
)

// Fixed websocket close codes, one per error kind (4000+ private range)
const (
	CloseAuthMissing       = 4401
	CloseAuthInvalid       = 4403
	ClosePermissionRevoked = 4440
	CloseServerConfig      = 4500
	CloseServerInternal    = 4501
)

// ErrorMessage is sent before closing a connection that failed admission.
type ErrorMessage struct {
	Type string `json:"type"` // auth_error or error
	Code string `json:"code"`
}

// PermissionRevokedMessage is sent before closing a connection whose user
// lost access to the room.
type PermissionRevokedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PresenceUpdate is sent by clients to report where in the app they are.
type PresenceUpdate struct {
	Type         string `json:"type"`
	CurrentPath  string `json:"currentPath"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
}

// AwarenessMessage broadcasts a peer's presence state to the room.
type AwarenessMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	State     *AwarenessState `json:"state,omitempty"` // nil means the peer left
}

// ClientMessage is the envelope used to sniff the type of an incoming
// text frame before full decoding.
type ClientMessage struct {
	Type string `json:"type"`
}

// MarshalMessage serializes a client-bound message, swallowing the
// (practically impossible) marshal error.
func MarshalMessage(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
