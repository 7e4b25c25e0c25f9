// Package notify delivers run messages to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Log writes every message to a logger. It is the fallback when SMS is not configured.
type Log struct {
	Logger *log.Logger
}

func (l Log) Notify(ctx context.Context, text string) error {
	l.logger().Printf("notify: %s", text)
	return nil
}

func (l Log) NotifyTo(ctx context.Context, recipients []string, text string) error {
	l.logger().Printf("notify: to=%s %s", strings.Join(recipients, ","), text)
	return nil
}

func (l Log) logger() *log.Logger {
	if l.Logger == nil {
		return log.Default()
	}
	return l.Logger
}

// smsStatus maps the gateway's plain-text reply codes.
var smsStatus = map[string]string{
	"0":  "sent",
	"30": "wrong password",
	"40": "account does not exist",
	"41": "insufficient balance",
	"42": "account expired",
	"43": "IP address restricted",
	"50": "content contains blocked words",
	"51": "invalid phone number",
}

const defaultSMSEndpoint = "https://api.smsbao.com/sms"

// SMS sends messages through an smsbao-compatible HTTP gateway.
type SMS struct {
	Endpoint  string
	User      string
	APIKey    string
	Signature string
	// Phones receive messages sent with Notify.
	Phones []string
	Client *http.Client
}

func NewSMS(user, apiKey string, phones []string) *SMS {
	return &SMS{
		Endpoint:  defaultSMSEndpoint,
		User:      user,
		APIKey:    apiKey,
		Signature: "【slotsniper】",
		Phones:    phones,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SMS) Notify(ctx context.Context, text string) error {
	return s.NotifyTo(ctx, s.Phones, text)
}

func (s *SMS) NotifyTo(ctx context.Context, phones []string, text string) error {
	phones = cleanPhones(phones)
	if len(phones) == 0 {
		return errors.New("notify: no phone numbers configured")
	}
	q := url.Values{}
	q.Set("u", s.User)
	q.Set("p", s.APIKey)
	q.Set("m", strings.Join(phones, ","))
	q.Set("c", s.Signature+text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sms request: %w", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1024))
	if err != nil {
		return fmt.Errorf("notify: sms response: %w", err)
	}
	code := strings.TrimSpace(string(b))
	if code == "0" {
		return nil
	}
	msg, ok := smsStatus[code]
	if !ok {
		msg = "unknown status"
	}
	return fmt.Errorf("notify: sms gateway returned %s (%s)", code, msg)
}

func cleanPhones(in []string) []string {
	var out []string
	for _, p := range in {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Notifier is what Multi fans out to.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type recipientNotifier interface {
	NotifyTo(ctx context.Context, recipients []string, text string) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyTo addresses recipients where a notifier supports it and falls back
// to its default audience otherwise.
func (m Multi) NotifyTo(ctx context.Context, recipients []string, text string) error {
	var errs []error
	for _, n := range m {
		var err error
		if rn, ok := n.(recipientNotifier); ok {
			err = rn.NotifyTo(ctx, recipients, text)
		} else {
			err = n.Notify(ctx, text)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
