package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deadswitch/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig configures a SendGridTransport.
type SendGridConfig struct {
	APIKey                 types.SecretString
	FromAddress            string
	FromName               string
	NotificationTemplateID string
	ReminderTemplateID     string
	// BaseURL overrides the API host, for tests.
	BaseURL string
	Logger  *slog.Logger
}

// SendGridTransport sends through the SendGrid v3 Mail Send API using
// dynamic templates. Requests go through BaseClient.
type SendGridTransport struct {
	base    *BaseClient
	cfg     SendGridConfig
	baseURL string
	logger  *slog.Logger
}

// NewSendGridTransport creates a SendGridTransport with the default retry
// policy. opts are passed to the underlying BaseClient.
func NewSendGridTransport(httpClient *http.Client, cfg SendGridConfig, opts ...BaseClientOption) *SendGridTransport {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "DeadSwitch/1.0", opts...)
	return NewSendGridTransportWithBase(base, cfg)
}

// NewSendGridTransportWithBase creates a SendGridTransport on a caller-built
// BaseClient.
func NewSendGridTransportWithBase(base *BaseClient, cfg SendGridConfig) *SendGridTransport {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridTransport{
		base:    base,
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send delivers a switch's message through the notification template. The
// idempotency key and switch ID travel as custom_args so provider events can
// be joined back to the message.
func (s *SendGridTransport) Send(ctx context.Context, env types.Envelope) (string, error) {
	payload := mailPayload{
		Personalizations: []personalization{{
			To: []address{{Email: env.To, Name: env.ToName}},
			DynamicData: map[string]any{
				"subject":        env.Subject,
				"recipient_name": env.ToName,
				"content_ref":    env.ContentRef,
			},
		}},
		From:       s.from(),
		TemplateID: s.cfg.NotificationTemplateID,
		CustomArgs: map[string]string{
			"idempotency_key": env.IdempotencyKey,
			"switch_id":       env.SwitchID,
			"kind":            "notification",
		},
	}
	return s.send(ctx, "Send", payload)
}

// SendReminder warns a switch owner through the reminder template.
func (s *SendGridTransport) SendReminder(ctx context.Context, notice types.ReminderNotice) (string, error) {
	payload := mailPayload{
		Personalizations: []personalization{{
			To: []address{{Email: notice.To, Name: notice.ToName}},
			DynamicData: map[string]any{
				"owner_name":      notice.ToName,
				"switch_name":     notice.SwitchName,
				"hours_remaining": notice.HoursRemaining,
				"due_at":          notice.DueAt.UTC().Format(time.RFC1123),
			},
		}},
		From:       s.from(),
		TemplateID: s.cfg.ReminderTemplateID,
		CustomArgs: map[string]string{
			"switch_id": notice.SwitchID,
			"kind":      "reminder",
		},
	}
	return s.send(ctx, "SendReminder", payload)
}

func (s *SendGridTransport) from() address {
	return address{Email: s.cfg.FromAddress, Name: s.cfg.FromName}
}

func (s *SendGridTransport) send(ctx context.Context, operation string, payload mailPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.errorFromResponse(operation, resp)
}

type mailPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	TemplateID       string            `json:"template_id"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
}

type personalization struct {
	To          []address      `json:"to"`
	DynamicData map[string]any `json:"dynamic_template_data,omitempty"`
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridErrors struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// errorFromResponse maps a non-success reply. 403 means the recipient is
// suppressed and a 400 on a recipient email field means the address is
// unusable; both are permanent. Anything else is left retryable.
func (s *SendGridTransport) errorFromResponse(operation string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message, field := strings.TrimSpace(string(raw)), ""
	var parsed sendGridErrors
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Errors) > 0 {
		message, field = parsed.Errors[0].Message, parsed.Errors[0].Field
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("%s: SendGrid blocked delivery: %s", operation, message), nil)
	case resp.StatusCode == http.StatusBadRequest && strings.HasPrefix(field, "personalizations") && strings.HasSuffix(field, ".email"):
		return types.NewAppError(types.ErrCodeValidationInvalidInput,
			fmt.Sprintf("%s: SendGrid rejected recipient: %s", operation, message), nil)
	default:
		s.logger.Warn("SendGrid rejected request",
			"operation", operation,
			"status", resp.StatusCode,
			"field", field,
		)
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: SendGrid error (%d): %s", operation, resp.StatusCode, message), nil)
	}
}

var _ Transport = (*SendGridTransport)(nil)
