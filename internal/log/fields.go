// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldChannel   = "channel"
	FieldChannelID = "channel_id"
	FieldSessionID = "session_id"
	FieldStreamID  = "stream_id"
	FieldJob       = "job"
	FieldBasename  = "basename"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"

	// Subscription fields
	FieldEventType = "event_type"
	FieldTransport = "transport"
	FieldSubID     = "sub_id"

	// Media fields
	FieldResolution = "resolution"

	// Path fields
	FieldPath = "path"
)
