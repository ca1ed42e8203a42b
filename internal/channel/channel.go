// Package channel defines the delivery capability the dispatch engine uses
// to reach humans, plus the registry that maps channel names to adapters.
package channel

import (
	"context"
	"errors"
)

const (
	Telegram = "telegram"
	Email    = "email"
	Auto     = "auto"
)

var (
	ErrUnsupported = errors.New("channel: unsupported channel")
	ErrNoRecipient = errors.New("channel: no recipient for channel")
)

// Recipient addresses a delivery. A channel uses the field it understands
// and rejects the delivery with ErrNoRecipient when it is unset.
type Recipient struct {
	ChatID int64  `json:"telegram_chat_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Confirm asks the adapter to render an approve/deny affordance: inline
// buttons on chat channels, a pair of action links on email.
type Confirm struct {
	// ID is embedded in button callback data (confirm:{id} / reject:{id}).
	ID string
	// URL is the magic-link base; adapters append &action=confirm|reject.
	URL string
}

// Message is one unit of human-facing delivery.
type Message struct {
	Subject string
	Text    string
	Confirm *Confirm
}

// Channel is the abstract "deliver text to recipient" capability. One
// implementation per backend; selection goes through the Registry, never
// string branching at call sites.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, to Recipient, msg Message) error
}

// Registry is an explicit mapping table from channel name to adapter.
type Registry struct {
	channels map[string]Channel
}

func NewRegistry(chs ...Channel) *Registry {
	m := make(map[string]Channel, len(chs))
	for _, c := range chs {
		m[c.Name()] = c
	}
	return &Registry{channels: m}
}

func (r *Registry) Get(name string) (Channel, error) {
	c, ok := r.channels[name]
	if !ok {
		return nil, ErrUnsupported
	}
	return c, nil
}

// Select resolves the channel for a request. "auto" picks telegram when a
// chat id is present, else email when an address is present.
func (r *Registry) Select(requested string, to Recipient) (Channel, error) {
	name := requested
	if name == Auto {
		switch {
		case to.ChatID != 0:
			name = Telegram
		case to.Email != "":
			name = Email
		default:
			return nil, ErrNoRecipient
		}
	}
	return r.Get(name)
}
