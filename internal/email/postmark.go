package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Postmark sends through the Postmark HTTP API.
type Postmark struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
}

type Option func(*Postmark)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Postmark) {
		p.httpClient = c
	}
}

func NewPostmark(serverToken, fromEmail string, opts ...Option) *Postmark {
	p := &Postmark{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configured returns true if the server token is set.
func (p *Postmark) Configured() bool {
	return p.serverToken != ""
}

func (p *Postmark) Name() string { return "postmark" }

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	if !p.Configured() {
		return permanent("postmark not configured: missing server token")
	}
	to := msg.To
	if msg.ToName != "" {
		to = fmt.Sprintf("%q <%s>", msg.ToName, msg.To)
	}
	body, err := json.Marshal(postmarkEmail{
		From:          p.fromEmail,
		To:            to,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		MessageStream: "outbound",
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return statusError("postmark", resp.StatusCode, string(snippet))
}
