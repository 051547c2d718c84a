package transport

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds outgoing mail server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers email campaigns over SMTP
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender creates an SMTP transport
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send dials the server and sends one message. gomail has no context support,
// so a cancelled ctx returns early while the dial finishes in the background.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Destination == "" {
		return Receipt{}, Reject("empty destination", false)
	}

	id := uuid.NewString()
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Destination)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@campaign-scheduler>", id))
	m.SetBody("text/plain", msg.Body)

	result := make(chan error, 1)
	go func() { result <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case err := <-result:
		if err != nil {
			return Receipt{}, classifySMTPError(err)
		}
		return Receipt{MessageID: id}, nil
	}
}

// classifySMTPError maps 5xx replies to permanent rejections. Everything else
// (4xx, network errors) is worth retrying.
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return Reject(fmt.Sprintf("smtp %d: %s", protoErr.Code, protoErr.Msg), protoErr.Code < 500)
	}
	return Reject(err.Error(), true)
}
