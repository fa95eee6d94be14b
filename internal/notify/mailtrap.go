package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultMailtrapAPIURL はMailtrap送信APIの本番エンドポイント。
const DefaultMailtrapAPIURL = "https://send.api.mailtrap.io/api/send"

// maxErrorBodySize はエラーレスポンスとして読み取る本文の上限。
const maxErrorBodySize = 4 << 10

// MailtrapConfig はMailtrap送信の設定。
type MailtrapConfig struct {
	APIKey       string
	APIURL       string
	FromEmail    string
	FromName     string
	TemplateUUID string
}

// MailtrapNotifier はMailtrapのHTTP APIでリセットメールを送信する。
type MailtrapNotifier struct {
	config     MailtrapConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMailtrapNotifier はMailtrapNotifierを生成する。
// httpClientにはsecurity.OutboundGuardで生成したクライアントを渡す。
func NewMailtrapNotifier(config MailtrapConfig, httpClient *http.Client, logger *slog.Logger) *MailtrapNotifier {
	if config.APIURL == "" {
		config.APIURL = DefaultMailtrapAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MailtrapNotifier{config: config, httpClient: httpClient, logger: logger}
}

type mailtrapAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailtrapRequest struct {
	From              mailtrapAddress   `json:"from"`
	To                []mailtrapAddress `json:"to"`
	TemplateUUID      string            `json:"template_uuid,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	Subject           string            `json:"subject,omitempty"`
	Text              string            `json:"text,omitempty"`
	Category          string            `json:"category"`
}

// SendPasswordReset はリセットメールを送信する。
// テンプレートUUIDが未設定の場合はテキスト本文で送る。
func (n *MailtrapNotifier) SendPasswordReset(ctx context.Context, msg PasswordReset) error {
	req := mailtrapRequest{
		From:     mailtrapAddress{Email: n.config.FromEmail, Name: n.config.FromName},
		To:       []mailtrapAddress{{Email: msg.Email, Name: msg.DisplayName}},
		Category: "Password Reset",
	}
	if n.config.TemplateUUID != "" {
		req.TemplateUUID = n.config.TemplateUUID
		req.TemplateVariables = map[string]string{
			"user_email":      msg.Email,
			"user_name":       msg.DisplayName,
			"pass_reset_link": msg.ResetURL,
		}
	} else {
		req.Subject = "Password reset request"
		req.Text = fmt.Sprintf(
			"Namaste %s,\n\nUse the link below to reset your password. It expires at %s.\n\n%s\n\nIf you did not request this, you can ignore this email.\n",
			msg.DisplayName, msg.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"), msg.ResetURL,
		)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling email request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+n.config.APIKey)

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending email request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("mailtrap API returned status %d: %s", resp.StatusCode, string(errBody))
	}

	n.logger.InfoContext(ctx, "password reset email sent", slog.String("email", msg.Email))
	return nil
}

// compile-time interface check
var _ Notifier = (*MailtrapNotifier)(nil)
