// Package verification issues and checks one-shot human proofs: six-digit
// OTP codes and signed magic links, delivered over the notification
// channels and checked against state in the store.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"commgate/internal/channel"
	"commgate/internal/eventbus"
	"commgate/internal/store"
	"commgate/internal/token"
)

// Verification modes.
const (
	ModeOTP       = "otp"
	ModeMagicLink = "magic_link"
)

const (
	defaultTTL = 600 * time.Second
	minTTL     = 60 * time.Second
	maxTTL     = 3600 * time.Second

	// attemptsTTL bounds the failed-attempt counter independently of the
	// record, so a counter can never outlive its usefulness.
	attemptsTTL = 600 * time.Second
	verifiedTTL = 24 * time.Hour
	maxAttempts = 3
)

var (
	// ErrGone means the verification never existed, expired, or was
	// destroyed after too many failed attempts.
	ErrGone = errors.New("verification: not found or expired")
	// ErrInvalidCode means the submitted code or token does not match.
	ErrInvalidCode = errors.New("verification: code does not match")
	// ErrTooManyAttempts means this submission destroyed the record.
	ErrTooManyAttempts = errors.New("verification: too many failed attempts")
	// ErrValidation covers malformed start requests.
	ErrValidation = errors.New("verification: invalid request")
)

func recordKey(id string) string   { return "verification:" + id }
func attemptsKey(id string) string { return recordKey(id) + ":attempts" }
func verifiedKey(id string) string { return recordKey(id) + ":verified" }

type record struct {
	ID        string         `json:"id"`
	Mode      string         `json:"mode"`
	Secret    string         `json:"secret"`
	Purpose   string         `json:"purpose,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StartRequest asks for a new verification to be created and delivered.
// Method is the delivery channel (telegram, email, auto); Mode picks the
// proof (otp or magic_link).
type StartRequest struct {
	Method     string            `json:"method,omitempty"`
	Mode       string            `json:"mode"`
	To         channel.Recipient `json:"to"`
	Purpose    string            `json:"purpose,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
}

// StartResponse never echoes the secret; it travels only over the channel.
type StartResponse struct {
	VerificationID  string `json:"verification_id"`
	Mode            string `json:"mode"`
	ChannelSelected string `json:"channel_selected"`
	ExpiresIn       int    `json:"expires_in"`
}

// ConfirmRequest submits a code or magic-link token for checking.
type ConfirmRequest struct {
	VerificationID string `json:"verification_id"`
	Code           string `json:"code,omitempty"`
	Token          string `json:"token,omitempty"`
}

// ConfirmResult echoes what the verification was for, so callers can
// resume the flow that required it.
type ConfirmResult struct {
	VerificationID string         `json:"verification_id"`
	Verified       bool           `json:"verified"`
	Purpose        string         `json:"purpose,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type Service struct {
	store   *store.Store
	reg     *channel.Registry
	tokens  *token.Issuer
	bus     eventbus.Bus
	baseURL string
	log     *slog.Logger
}

func NewService(st *store.Store, reg *channel.Registry, tokens *token.Issuer, bus eventbus.Bus, baseURL string, log *slog.Logger) *Service {
	return &Service{
		store:   st,
		reg:     reg,
		tokens:  tokens,
		bus:     bus,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

// Start creates a verification record and delivers its secret. The TTL is
// clamped to [60s, 3600s], defaulting to 600s.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	if req.Mode != ModeOTP && req.Mode != ModeMagicLink {
		return StartResponse{}, fmt.Errorf("%w: mode must be %q or %q", ErrValidation, ModeOTP, ModeMagicLink)
	}
	name := req.Method
	if name == "" {
		name = channel.Auto
	}
	ch, err := s.reg.Select(name, req.To)
	if err != nil {
		return StartResponse{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl < minTTL {
			ttl = minTTL
		}
		if ttl > maxTTL {
			ttl = maxTTL
		}
	}

	id := "ver_" + uuid.NewString()
	rec := record{
		ID:        id,
		Mode:      req.Mode,
		Purpose:   req.Purpose,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	var msg channel.Message
	switch req.Mode {
	case ModeOTP:
		code, err := generateOTP()
		if err != nil {
			return StartResponse{}, fmt.Errorf("otp generate: %w", err)
		}
		rec.Secret = code
		msg = channel.Message{
			Subject: "Verification code",
			Text:    fmt.Sprintf("Your verification code is %s. It expires in %s.", code, ttl.Round(time.Second)),
		}
	case ModeMagicLink:
		tok, err := s.tokens.IssueMagicLinkToken(id, "verification.confirm", ttl)
		if err != nil {
			return StartResponse{}, fmt.Errorf("magic link issue: %w", err)
		}
		rec.Secret = tok
		url := fmt.Sprintf("%s/v1/verifications/confirm?id=%s&token=%s", s.baseURL, id, tok)
		msg = channel.Message{
			Subject: "Confirm your request",
			Text:    fmt.Sprintf("Open this link to confirm. It expires in %s.\n%s", ttl.Round(time.Second), url),
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return StartResponse{}, fmt.Errorf("record encode: %w", err)
	}
	if err := s.store.Set(ctx, recordKey(id), string(b), ttl); err != nil {
		return StartResponse{}, fmt.Errorf("record persist: %w", err)
	}

	if err := ch.Deliver(ctx, req.To, msg); err != nil {
		// An undeliverable secret is unusable; do not leave the record around.
		_ = s.store.Del(ctx, recordKey(id))
		return StartResponse{}, fmt.Errorf("verification delivery: %w", err)
	}

	s.bus.Publish(eventbus.Event{Type: "verification.started", Data: map[string]string{
		"id": id, "mode": req.Mode, "channel": ch.Name(),
	}})
	s.log.Info("verification started",
		slog.String("id", id), slog.String("mode", req.Mode), slog.String("channel", ch.Name()))

	return StartResponse{
		VerificationID:  id,
		Mode:            req.Mode,
		ChannelSelected: ch.Name(),
		ExpiresIn:       int(ttl.Seconds()),
	}, nil
}

// Confirm checks a submission against the stored record and, on success,
// returns the purpose and metadata the verification was started with.
//
// A match marks the verification verified (24h) and destroys the record; the
// third consecutive mismatch destroys the record too, so further guesses see
// ErrGone. Magic-link submissions must both carry a validly signed token and
// match the stored value; a signature alone is not enough once the record is
// gone.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	raw, err := s.store.Get(ctx, recordKey(req.VerificationID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ConfirmResult{}, ErrGone
		}
		return ConfirmResult{}, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ConfirmResult{}, fmt.Errorf("record decode: %w", err)
	}

	var submitted string
	switch rec.Mode {
	case ModeOTP:
		submitted = strings.TrimSpace(req.Code)
	case ModeMagicLink:
		submitted = req.Token
		claims, err := s.tokens.VerifyMagicLinkToken(req.Token)
		if err != nil {
			return ConfirmResult{}, s.recordFailure(ctx, rec.ID, err)
		}
		if claims.ReferenceID != rec.ID || claims.Purpose != "verification.confirm" {
			return ConfirmResult{}, s.recordFailure(ctx, rec.ID, token.ErrInvalidToken)
		}
	}

	if subtle.ConstantTimeCompare([]byte(submitted), []byte(rec.Secret)) != 1 {
		return ConfirmResult{}, s.recordFailure(ctx, rec.ID, ErrInvalidCode)
	}

	if err := s.store.Set(ctx, verifiedKey(rec.ID), time.Now().UTC().Format(time.RFC3339), verifiedTTL); err != nil {
		return ConfirmResult{}, fmt.Errorf("verified marker: %w", err)
	}
	_ = s.store.Del(ctx, recordKey(rec.ID), attemptsKey(rec.ID))

	s.bus.Publish(eventbus.Event{Type: "verification.verified", Data: map[string]string{"id": rec.ID}})
	s.log.Info("verification confirmed", slog.String("id", rec.ID), slog.String("mode", rec.Mode))
	return ConfirmResult{
		VerificationID: rec.ID,
		Verified:       true,
		Purpose:        rec.Purpose,
		Metadata:       rec.Metadata,
	}, nil
}

// IsVerified reports whether id was confirmed within the last 24 hours.
func (s *Service) IsVerified(ctx context.Context, id string) (bool, error) {
	return s.store.Exists(ctx, verifiedKey(id))
}

func (s *Service) recordFailure(ctx context.Context, id string, cause error) error {
	n, err := s.store.Incr(ctx, attemptsKey(id))
	if err != nil {
		return fmt.Errorf("attempt count: %w", err)
	}
	if n == 1 {
		if err := s.store.Expire(ctx, attemptsKey(id), attemptsTTL); err != nil {
			s.log.Warn("attempts expire failed", slog.String("id", id), slog.Any("err", err))
		}
	}
	if n >= maxAttempts {
		_ = s.store.Del(ctx, recordKey(id), attemptsKey(id))
		s.log.Warn("verification destroyed after repeated failures", slog.String("id", id))
		s.bus.Publish(eventbus.Event{Type: "verification.destroyed", Data: map[string]string{"id": id}})
		return ErrTooManyAttempts
	}
	return cause
}

// generateOTP draws a uniform six-digit code from crypto/rand.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
