package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"commgate/internal/channel"
)

// maxResponseBytes bounds how much of a service reply we keep as the result
// record.
const maxResponseBytes = 1 << 20

// executeCommand performs the outbound call for a command unit and drives it
// to completed or failed. Runs in the background; all outcomes land on the
// status record, never on a caller.
func (e *Engine) executeCommand(ctx context.Context, u *Unit) {
	e.setStatus(ctx, u.ID, StatusProcessing, map[string]string{"service": u.Service})
	e.publish("command.processing", u, StatusProcessing, "")

	base, ok := e.opts.Services[u.Service]
	if !ok {
		e.failUnit(ctx, u, fmt.Sprintf("service %q is not configured", u.Service), false)
		return
	}

	tok, err := e.tokens.IssueServiceToken("commgate", []string{"command.execute"})
	if err != nil {
		e.failUnit(ctx, u, "service token: "+err.Error(), false)
		return
	}

	body, err := json.Marshal(u.Args)
	if err != nil {
		e.failUnit(ctx, u, "args encode: "+err.Error(), false)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/v1/commands/" + u.Action
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.failUnit(ctx, u, "build request: "+err.Error(), false)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Command-Id", u.ID)
	if u.Audit.TraceID != "" {
		req.Header.Set("X-Trace-Id", u.Audit.TraceID)
	}

	started := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.failUnit(ctx, u, "service call: "+err.Error(), true)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
		e.failUnit(ctx, u, msg, true)
		return
	}

	e.RecordResult(ctx, u.ID, string(out))
	e.setStatus(ctx, u.ID, StatusCompleted, map[string]string{
		"service":    u.Service,
		"latency_ms": fmt.Sprintf("%d", time.Since(started).Milliseconds()),
	})
	e.publish("command.completed", u, StatusCompleted, "")
	e.log.Info("command completed",
		slog.String("id", u.ID),
		slog.String("service", u.Service),
		slog.String("action", u.Action),
		slog.Duration("latency", time.Since(started)))
}

// deliverMessage renders the unit and tries the primary channel, then each
// fallback in order. First success wins; all failures mark the unit failed.
func (e *Engine) deliverMessage(ctx context.Context, u *Unit) {
	e.setStatus(ctx, u.ID, StatusProcessing, map[string]string{"channel": u.Channel})
	e.publish("message.processing", u, StatusProcessing, "")

	msg := renderMessage(u)
	names := make([]string, 0, 1+len(u.Routing.Fallback))
	names = append(names, u.Channel)
	for _, n := range u.Routing.Fallback {
		if n != u.Channel {
			names = append(names, n)
		}
	}

	var failures []string
	for _, name := range names {
		ch, err := e.registry.Get(name)
		if err != nil {
			failures = append(failures, name+": "+err.Error())
			continue
		}

		recipients := []channel.Recipient{u.To}
		if u.Broadcast {
			recipients = e.adminRecipients(name)
		}
		delivered := false
		for _, to := range recipients {
			if err := ch.Deliver(ctx, to, msg); err != nil {
				failures = append(failures, name+": "+err.Error())
				e.log.Warn("delivery failed",
					slog.String("id", u.ID), slog.String("channel", name), slog.Any("err", err))
				continue
			}
			delivered = true
		}
		if !delivered {
			continue
		}
		e.setStatus(ctx, u.ID, StatusSent, map[string]string{"channel": name})
		e.publish("message.sent", u, StatusSent, "")
		e.log.Info("message sent", slog.String("id", u.ID), slog.String("channel", name))
		return
	}

	e.failUnit(ctx, u, "all channels failed: "+strings.Join(failures, "; "), false)
}

// failUnit marks a unit failed and, for retryable command failures with a
// fallback configured, schedules one delayed retry.
func (e *Engine) failUnit(ctx context.Context, u *Unit, msg string, retryable bool) {
	e.RecordError(ctx, u.ID, msg)
	fields := map[string]string{"error": msg}
	if u.Service != "" {
		fields["service"] = u.Service
	}
	e.setStatus(ctx, u.ID, StatusFailed, fields)
	e.publish(u.Kind+".failed", u, StatusFailed, msg)
	e.log.Warn("dispatch failed", slog.String("id", u.ID), slog.String("error", msg))

	if retryable && u.Kind == KindCommand && len(u.Routing.Fallback) > 0 {
		e.ScheduleRetry(ctx, u.ID)
	}
}

// RecordResult stores the raw success output beside the unit for 24h.
func (e *Engine) RecordResult(ctx context.Context, id, output string) {
	if err := e.store.Set(ctx, resultKey(id), output, resultTTL); err != nil {
		e.log.Warn("result record write failed", slog.String("id", id), slog.Any("err", err))
	}
}

// RecordError stores the failure reason beside the unit for 24h.
func (e *Engine) RecordError(ctx context.Context, id, msg string) {
	if err := e.store.Set(ctx, errorKey(id), msg, resultTTL); err != nil {
		e.log.Warn("error record write failed", slog.String("id", id), slog.Any("err", err))
	}
}

// renderMessage turns a message unit into channel-ready text. The body comes
// from data["body"] (or data["message"]), with {{key}} placeholders replaced
// by the matching data values. Without a body the data is listed line by
// line.
func renderMessage(u *Unit) channel.Message {
	subject, _ := u.Data["subject"].(string)
	if subject == "" {
		if title, ok := u.Data["title"].(string); ok {
			subject = title
		}
	}

	body, _ := u.Data["body"].(string)
	if body == "" {
		body, _ = u.Data["message"].(string)
	}
	if body != "" {
		for k, v := range u.Data {
			body = strings.ReplaceAll(body, "{{"+k+"}}", fmt.Sprint(v))
		}
		return channel.Message{Subject: subject, Text: body}
	}

	keys := make([]string, 0, len(u.Data))
	for k := range u.Data {
		if k == "subject" || k == "title" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, u.Data[k])
	}
	return channel.Message{Subject: subject, Text: strings.TrimRight(b.String(), "\n")}
}
