package email

import (
	"context"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGrid sends through the SendGrid v3 mail API.
type SendGrid struct {
	key  string
	host string
	from *sgmail.Email
}

// NewSendGrid builds a sender. host is empty for the public API.
func NewSendGrid(key, fromEmail, fromName, host string) *SendGrid {
	if host == "" {
		host = sendgridHost
	}
	return &SendGrid{key: key, host: host, from: sgmail.NewEmail(fromName, fromEmail)}
}

func (s *SendGrid) Name() string { return "sendgrid" }

func (s *SendGrid) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.To))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", msg.Text),
		sgmail.NewContent("text/html", msg.HTML),
	)
	return m
}

func (s *SendGrid) Send(ctx context.Context, msg Message) error {
	if s.key == "" {
		return permanent("sendgrid not configured: missing api key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.API(req)
	if err != nil {
		return err
	}
	return statusError("sendgrid", res.StatusCode, res.Body)
}
