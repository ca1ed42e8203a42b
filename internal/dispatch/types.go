package dispatch

import (
	"errors"
	"time"

	"commgate/internal/channel"
)

// Dispatch unit kinds. The kind is also the id prefix (cmd_/msg_).
const (
	KindCommand = "command"
	KindMessage = "message"
)

// Unit statuses. pending_confirmation and queued are entry states;
// completed, failed, sent and rejected are terminal.
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusQueued              = "queued"
	StatusProcessing          = "processing"
	StatusCompleted           = "completed"
	StatusSent                = "sent"
	StatusFailed              = "failed"
	StatusRejected            = "rejected"
)

var (
	// ErrNotFound means the referenced unit is missing or its TTL elapsed.
	ErrNotFound = errors.New("dispatch: unit not found or expired")
	// ErrAlreadyResolved means a confirm/reject for this unit already won.
	ErrAlreadyResolved = errors.New("dispatch: already confirmed or rejected")
	// ErrValidation covers malformed intake requests.
	ErrValidation = errors.New("dispatch: invalid request")
)

// Routing carries the delivery overrides a caller may set.
type Routing struct {
	// Fallback is the ordered list of channels tried after the primary
	// delivery fails.
	Fallback []string `json:"fallback,omitempty"`
	// TTLSeconds bounds the unit's lifetime (and so its confirmation
	// window). Zero means the engine default (300s).
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// AuditInfo identifies who asked for a dispatch and under which trace.
type AuditInfo struct {
	RequestedBy string `json:"requested_by,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

// Unit is the persisted dispatch record: a command bound for a backend
// service or a message bound for a human channel. It lives in the store
// under its TTL and is the single source of truth for confirmation and
// execution.
type Unit struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Service string `json:"service,omitempty"`
	Action  string `json:"action,omitempty"`

	Args map[string]any `json:"args,omitempty"`

	Channel     string            `json:"channel,omitempty"`
	TemplateKey string            `json:"template_key,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Data        map[string]any    `json:"data,omitempty"`
	To          channel.Recipient `json:"to,omitempty"`

	// Broadcast marks a message with no explicit recipient; delivery goes to
	// the configured operator list instead.
	Broadcast bool `json:"broadcast,omitempty"`

	RequireConfirmation bool      `json:"require_confirmation,omitempty"`
	Routing             Routing   `json:"routing,omitempty"`
	Audit               AuditInfo `json:"audit,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// CommandRequest is the dispatch-command intake payload.
type CommandRequest struct {
	Service             string         `json:"service"`
	Action              string         `json:"action"`
	Args                map[string]any `json:"args,omitempty"`
	RequireConfirmation bool           `json:"require_confirmation,omitempty"`
	Channel             string         `json:"channel,omitempty"`
	Routing             *Routing       `json:"routing,omitempty"`
	Audit               *AuditInfo     `json:"audit,omitempty"`
}

// MessageRequest is the send-message intake payload.
type MessageRequest struct {
	Channel             string            `json:"channel"`
	TemplateKey         string            `json:"template_key"`
	Locale              string            `json:"locale,omitempty"`
	Data                map[string]any    `json:"data"`
	To                  channel.Recipient `json:"to"`
	RequireConfirmation bool              `json:"require_confirmation,omitempty"`
	Routing             *Routing          `json:"routing,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	Audit               *AuditInfo        `json:"audit,omitempty"`
}

// CommandAccepted is returned synchronously; execution continues in the
// background and outcomes arrive via the event path.
type CommandAccepted struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// MessageAccepted mirrors CommandAccepted for messages.
type MessageAccepted struct {
	MessageID       string `json:"message_id"`
	Status          string `json:"status"`
	ChannelSelected string `json:"channel_selected"`
}

// DispatchEvent is published on the event bus for unit lifecycle changes.
type DispatchEvent struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}
