package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"pagewatch/internal/domain"
)

// ClientProvider hands out an HTTP client authenticated as owner.
type ClientProvider interface {
	Client(ctx context.Context, owner string) (*http.Client, error)
}

// EmailSender sends plain text mail through the Gmail API as the configured
// sender, using the sender's stored credential.
type EmailSender struct {
	creds    ClientProvider
	endpoint string
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewEmailSender returns a sender for the Gmail API. An empty endpoint uses
// the public one.
func NewEmailSender(creds ClientProvider, endpoint string, timeout time.Duration, logger zerolog.Logger) *EmailSender {
	return &EmailSender{
		creds:    creds,
		endpoint: endpoint,
		timeout:  timeout,
		now:      time.Now,
		log:      logger.With().Str("channel", string(domain.ChannelEmail)).Logger(),
	}
}

func (e *EmailSender) Send(ctx context.Context, settings domain.Settings, subject, message string) error {
	raw, err := composeMessage(settings.EmailSender, settings.EmailRecipient, subject, message, e.now())
	if err != nil {
		return err
	}

	hc, err := e.creds.Client(ctx, settings.EmailSender)
	if err != nil {
		return fmt.Errorf("getting mail credential: %w", err)
	}
	if e.timeout > 0 {
		hc.Timeout = e.timeout
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if e.endpoint != "" {
		opts = append(opts, option.WithEndpoint(e.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating gmail service: %w", err)
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	e.log.Debug().Str("message_id", sent.Id).Msg("mail sent")
	return nil
}

// composeMessage renders an RFC 5322 text/plain message.
func composeMessage(from, to, subject, body string, date time.Time) ([]byte, error) {
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parsing sender address %q: %w", from, err)
	}
	recipients, err := mail.ParseAddressList(to)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient address %q: %w", to, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", recipients)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating mail writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("writing mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing mail writer: %w", err)
	}
	return buf.Bytes(), nil
}
