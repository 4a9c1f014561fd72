// Package protocol defines the wire protocol between a client and the
// collaborative editing core: the tagged-union frame envelope, the
// six inbound frame payloads, the outbound server messages, and the
// closed set of error codes from spec.md §4.1 and §6.
//
// This replaces the teacher's ad-hoc map[string]interface{} dispatch
// (main.go's handleWebSocket switch) with a single decode function
// that returns an explicit typed variant or a validation error — see
// DESIGN.md's "dynamic messages" entry.
package protocol

import "encoding/json"

// FrameType tags every inbound and outbound frame.
type FrameType string

const (
	TypeJoinRoom      FrameType = "JOIN_ROOM"
	TypeLeaveRoom     FrameType = "LEAVE_ROOM"
	TypeOTOp          FrameType = "OT_OP"
	TypeCursorUpdate  FrameType = "CURSOR_UPDATE"
	TypeSyncState     FrameType = "SYNC_STATE"
	TypeAck           FrameType = "ACK"

	TypeJoinRoomAck           FrameType = "JOIN_ROOM_ACK"
	TypeLeaveRoomAck          FrameType = "LEAVE_ROOM_ACK"
	TypeParticipantJoined     FrameType = "PARTICIPANT_JOINED"
	TypeParticipantLeft       FrameType = "PARTICIPANT_LEFT"
	TypeOTOpBroadcast         FrameType = "OT_OP_BROADCAST"
	TypeCursorUpdateBroadcast FrameType = "CURSOR_UPDATE_BROADCAST"
	TypeSyncStateResponse     FrameType = "SYNC_STATE_RESPONSE"
	TypeBackpressure          FrameType = "BACKPRESSURE"
	TypeError                 FrameType = "ERROR"
)

// ErrorCode is the closed set of error codes from spec.md §6.
type ErrorCode string

const (
	ErrValidation    ErrorCode = "validation_error"
	ErrNotJoined     ErrorCode = "not_joined"
	ErrAlreadyJoined ErrorCode = "already_joined"
	ErrUnknownRoom   ErrorCode = "unknown_room"
	ErrRateLimited   ErrorCode = "rate_limited"
	ErrStaleBase     ErrorCode = "stale_base"
	ErrInternal      ErrorCode = "internal_error"
)

// ValidationError is returned by Decode when a frame fails schema or
// bounds checks. It is also used for the protocol/client-state error
// family described in spec.md §7.
type ValidationError struct {
	Code    ErrorCode
	Message string
	Field   string
}

func (e *ValidationError) Error() string { return e.Message }

func newValidationError(code ErrorCode, message, field string) *ValidationError {
	return &ValidationError{Code: code, Message: message, Field: field}
}

// envelope is the raw wire shape: a type tag plus the rest of the
// frame's fields, decoded lazily per-type.
type envelope struct {
	Type FrameType `json:"type"`
}

// OperationInput is the wire shape of an OT_OP's nested operation.
type OperationInput struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Position    int    `json:"position"`
	Content     string `json:"content"`
	BaseVersion int    `json:"baseVersion"`
}

// CursorInput is the wire shape of a CURSOR_UPDATE's cursor field.
type CursorInput struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Inbound frame payloads (client -> server), validated.

type JoinRoomMsg struct {
	RoomID   string                 `json:"roomId"`
	UserID   string                 `json:"userId"`
	ClientID string                 `json:"clientId"`
	UserInfo map[string]interface{} `json:"userInfo,omitempty"`
}

type LeaveRoomMsg struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

type OTOpMsg struct {
	RoomID    string         `json:"roomId"`
	ClientID  string         `json:"clientId"`
	Operation OperationInput `json:"operation"`
}

type CursorUpdateMsg struct {
	RoomID   string      `json:"roomId"`
	ClientID string      `json:"clientId"`
	Cursor   CursorInput `json:"cursor"`
}

type SyncStateMsg struct {
	RoomID      string `json:"roomId"`
	ClientID    string `json:"clientId"`
	FromVersion int    `json:"fromVersion"`
}

type AckMsg struct {
	RoomID      string `json:"roomId"`
	ClientID    string `json:"clientId"`
	OperationID string `json:"operationId"`
}

// Decoded is the typed variant returned by Decode: exactly one field
// is non-nil.
type Decoded struct {
	JoinRoom     *JoinRoomMsg
	LeaveRoom    *LeaveRoomMsg
	OTOp         *OTOpMsg
	CursorUpdate *CursorUpdateMsg
	SyncState    *SyncStateMsg
	Ack          *AckMsg
}

const (
	maxIDLen      = 100
	maxContentLen = 10000
)

// Decode validates a raw inbound frame and returns its typed variant,
// or a *ValidationError describing the first failure found.
func Decode(raw []byte) (*Decoded, *ValidationError) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newValidationError(ErrValidation, "malformed frame: "+err.Error(), "")
	}

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed JOIN_ROOM: "+err.Error(), "")
		}
		if verr := validateJoinRoom(&m); verr != nil {
			return nil, verr
		}
		return &Decoded{JoinRoom: &m}, nil

	case TypeLeaveRoom:
		var m LeaveRoomMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed LEAVE_ROOM: "+err.Error(), "")
		}
		if err := requireNonEmpty(m.RoomID, "roomId"); err != nil {
			return nil, err
		}
		if err := requireNonEmpty(m.ClientID, "clientId"); err != nil {
			return nil, err
		}
		return &Decoded{LeaveRoom: &m}, nil

	case TypeOTOp:
		var m OTOpMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed OT_OP: "+err.Error(), "")
		}
		if verr := validateOTOp(&m); verr != nil {
			return nil, verr
		}
		return &Decoded{OTOp: &m}, nil

	case TypeCursorUpdate:
		var m CursorUpdateMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed CURSOR_UPDATE: "+err.Error(), "")
		}
		if err := requireNonEmpty(m.RoomID, "roomId"); err != nil {
			return nil, err
		}
		if err := requireNonEmpty(m.ClientID, "clientId"); err != nil {
			return nil, err
		}
		if m.Cursor.Line < 0 {
			return nil, newValidationError(ErrValidation, "cursor.line must be >= 0", "cursor.line")
		}
		if m.Cursor.Column < 0 {
			return nil, newValidationError(ErrValidation, "cursor.column must be >= 0", "cursor.column")
		}
		return &Decoded{CursorUpdate: &m}, nil

	case TypeSyncState:
		var m SyncStateMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed SYNC_STATE: "+err.Error(), "")
		}
		if err := requireNonEmpty(m.RoomID, "roomId"); err != nil {
			return nil, err
		}
		if err := requireNonEmpty(m.ClientID, "clientId"); err != nil {
			return nil, err
		}
		if m.FromVersion < 0 {
			return nil, newValidationError(ErrValidation, "fromVersion must be >= 0", "fromVersion")
		}
		return &Decoded{SyncState: &m}, nil

	case TypeAck:
		var m AckMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newValidationError(ErrValidation, "malformed ACK: "+err.Error(), "")
		}
		return &Decoded{Ack: &m}, nil

	default:
		return nil, newValidationError(ErrValidation, "unknown frame type: "+string(env.Type), "type")
	}
}

func validateJoinRoom(m *JoinRoomMsg) *ValidationError {
	if err := requireBounded(m.RoomID, "roomId", maxIDLen); err != nil {
		return err
	}
	if err := requireBounded(m.UserID, "userId", maxIDLen); err != nil {
		return err
	}
	if err := requireBounded(m.ClientID, "clientId", maxIDLen); err != nil {
		return err
	}
	return nil
}

func validateOTOp(m *OTOpMsg) *ValidationError {
	if err := requireNonEmpty(m.RoomID, "roomId"); err != nil {
		return err
	}
	if err := requireNonEmpty(m.ClientID, "clientId"); err != nil {
		return err
	}
	op := m.Operation
	if op.Type != "insert" && op.Type != "delete" {
		return newValidationError(ErrValidation, "operation.type must be insert or delete", "operation.type")
	}
	if op.Position < 0 {
		return newValidationError(ErrValidation, "operation.position must be >= 0", "operation.position")
	}
	if len(op.Content) > maxContentLen {
		return newValidationError(ErrValidation, "operation.content exceeds maximum length", "operation.content")
	}
	if op.BaseVersion < 0 {
		return newValidationError(ErrValidation, "operation.baseVersion must be >= 0", "operation.baseVersion")
	}
	return nil
}

func requireNonEmpty(v, field string) *ValidationError {
	if v == "" {
		return newValidationError(ErrValidation, field+" is required", field)
	}
	return nil
}

func requireBounded(v, field string, max int) *ValidationError {
	if v == "" {
		return newValidationError(ErrValidation, field+" is required", field)
	}
	if len(v) > max {
		return newValidationError(ErrValidation, field+" exceeds maximum length", field)
	}
	return nil
}
