package collab

import "encoding/json"

// Envelope is the wire frame for every socket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventAuthenticate = "authenticate"
	EventGetDocument  = "get-document"
	EventSendChanges  = "send-changes"
	EventCursorChange = "cursor-change"
	EventTyping       = "typing"
	EventSaveDocument = "save-document"
	EventUpdateTitle  = "update-title"
)

// Server -> client events.
const (
	EventAuthenticationSuccess  = "authentication-success"
	EventAuthenticationFailed   = "authentication-failed"
	EventAuthenticationRequired = "authentication-required"
	EventLoadDocument           = "load-document"
	EventAccessDenied           = "access-denied"
	EventLoadError              = "load-error"
	EventReceiveChanges         = "receive-changes"
	EventCursorUpdate           = "cursor-update"
	EventUserTyping             = "user-typing"
	EventSaveSuccess            = "save-success"
	EventSaveError              = "save-error"
	EventTitleUpdated           = "title-updated"
	EventUsersUpdate            = "users-update"
	EventUserJoined             = "user-joined"
	EventUserLeft               = "user-left"
)

// userRef identifies the participant behind a relayed signal.
type userRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type receiveChangesPayload struct {
	Delta json.RawMessage `json:"delta"`
	User  userRef         `json:"user"`
}

type cursorUpdatePayload struct {
	User  userRef         `json:"user"`
	Range json.RawMessage `json:"range"`
}

type typingStatusPayload struct {
	User     userRef `json:"user"`
	IsTyping bool    `json:"isTyping"`
}

// saveDocumentPayload is the structured save form. Clients may also send the
// raw content alone, in which case the whole data field is the content and the
// save counts as an autosave.
type saveDocumentPayload struct {
	Data   json.RawMessage `json:"data"`
	Manual bool            `json:"manual"`
}

func mustEnvelope(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Event: EventSaveError, Data: json.RawMessage(`"encode failed"`)}
	}
	return Envelope{Event: event, Data: data}
}

// decodeString accepts either a bare JSON string or an object carrying the
// value under key, which is how different client builds frame these events.
func decodeString(data json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	if raw, ok := obj[key]; ok {
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}
