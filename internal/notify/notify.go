// Package notify delivers stage transitions to downstream systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentforge/internal/config"
	"agentforge/internal/domain"
)

// Notifier is called synchronously after a transition commits.
type Notifier interface {
	Notify(ctx context.Context, evt domain.TransitionEvent) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, domain.TransitionEvent) error { return nil }

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each transition to every enabled configured hook whose event
// filter matches the transition reason.
type Webhook struct {
	ProjectID string
	Hooks     []config.WebhookConfig
	Client    *http.Client
}

func NewWebhook(projectID string, hooks []config.WebhookConfig) *Webhook {
	return &Webhook{
		ProjectID: projectID,
		Hooks:     hooks,
		Client:    &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Notify tries every hook and joins their failures.
func (w *Webhook) Notify(ctx context.Context, evt domain.TransitionEvent) error {
	var errs []error
	for _, hook := range w.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(string(evt.Reason)) {
			continue
		}
		if err := w.post(ctx, hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) post(ctx context.Context, hook config.WebhookConfig, evt domain.TransitionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentforge-Event", "stage.transition."+string(evt.Reason))
	req.Header.Set("X-Agentforge-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Agentforge-Project", w.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Agentforge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
