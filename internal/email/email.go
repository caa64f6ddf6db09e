package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltmpl "html/template"
	"net/url"
	texttmpl "text/template"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
)

// Message is a rendered e-mail.
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages through one provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// ErrPermanent marks failures that will not succeed on retry, such as a
// rejected recipient.
var ErrPermanent = errors.New("email: permanent failure")

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// statusError classifies a provider HTTP status.
func statusError(provider string, status int, body string) error {
	switch {
	case status < 400:
		return nil
	case status == 429 || status >= 500:
		return fmt.Errorf("%s API error: status %d", provider, status)
	default:
		return permanent("%s API error: status %d: %s", provider, status, body)
	}
}

//go:embed templates
var templateFS embed.FS

var (
	tokenText = texttmpl.Must(texttmpl.ParseFS(templateFS, "templates/token.txt")).Option("missingkey=error")
	tokenHTML = htmltmpl.Must(htmltmpl.ParseFS(templateFS, "templates/token.gohtml")).Option("missingkey=error")
)

type tokenData struct {
	Name    string
	Link    string
	Token   string
	Expires string
}

// TokenMessage renders the attendance token e-mail. baseURL points at the
// client page that posts the token to the confirm endpoint.
func TokenMessage(d attendance.TokenDelivery, baseURL string) (Message, error) {
	data := tokenData{
		Name:    d.StudentName,
		Link:    fmt.Sprintf("%s/attendance/confirm?token=%s", baseURL, url.QueryEscape(d.Token)),
		Token:   d.Token,
		Expires: d.ExpiresAt.UTC().Format(time.RFC1123),
	}
	if data.Name == "" {
		data.Name = "there"
	}

	var text, body bytes.Buffer
	if err := tokenText.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render token text: %w", err)
	}
	if err := tokenHTML.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render token html: %w", err)
	}
	return Message{
		To:      d.Email,
		ToName:  d.StudentName,
		Subject: "Your attendance confirmation token",
		Text:    text.String(),
		HTML:    body.String(),
	}, nil
}

// LogSender writes messages to the log instead of sending them. Development only.
type LogSender struct {
	log zerolog.Logger
}

// NewLogSender returns a Sender for local runs.
func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return permanent("no recipient")
	}
	s.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg(msg.Text)
	return nil
}
