package email

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewSender picks the delivery backend by name: log, postmark or sendgrid.
func NewSender(backend, from, postmarkToken, sendgridKey string, log zerolog.Logger) (Sender, error) {
	switch backend {
	case "", "log":
		return NewLogSender(log), nil
	case "postmark":
		return NewPostmark(postmarkToken, from), nil
	case "sendgrid":
		return NewSendGrid(sendgridKey, from, "Rollcall", ""), nil
	default:
		return nil, fmt.Errorf("unknown email backend %q", backend)
	}
}
