package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pagewatch/internal/domain"
)

const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramError is an error reported by the Bot API.
type TelegramError struct {
	Code        int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Description)
}

func (e *TelegramError) cannotParseEntities() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "can't parse entities")
}

// TelegramSender posts messages with the Bot API sendMessage method.
type TelegramSender struct {
	client  *http.Client
	apiBase string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewTelegramSender paces chunk sends at perSecond messages per second.
func NewTelegramSender(apiBase string, timeout time.Duration, perSecond float64, logger zerolog.Logger) *TelegramSender {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &TelegramSender{
		client:  &http.Client{Timeout: timeout},
		apiBase: strings.TrimRight(apiBase, "/"),
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.With().Str("channel", string(domain.ChannelTelegram)).Logger(),
	}
}

// Send delivers the message in as many chunks as needed. A chunk whose
// markup is rejected is resent once as plain text; any other error stops
// the remaining chunks.
func (t *TelegramSender) Send(ctx context.Context, settings domain.Settings, subject, message string) error {
	chunks := FormatTelegram(subject, message)
	for i, chunk := range chunks {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting to send telegram chunk %d/%d: %w", i+1, len(chunks), err)
		}

		err := t.sendMessage(ctx, settings.TelegramBotToken, settings.TelegramChatID, chunk, "MarkdownV2")
		var tgErr *TelegramError
		if errors.As(err, &tgErr) && tgErr.cannotParseEntities() {
			t.log.Warn().Int("chunk", i+1).Str("description", tgErr.Description).Msg("markup rejected, resending as plain text")
			err = t.sendMessage(ctx, settings.TelegramBotToken, settings.TelegramChatID, UnescapeMarkdownV2(chunk), "")
		}
		if err != nil {
			return fmt.Errorf("sending telegram chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (t *TelegramSender) sendMessage(ctx context.Context, token, chatID, text, parseMode string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encoding sendMessage request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// url.Error carries the request URL, which contains the bot token
		var uErr *url.Error
		if errors.As(err, &uErr) {
			err = uErr.Err
		}
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading telegram response: %w", err)
	}

	var br botResponse
	if err := json.Unmarshal(respBody, &br); err != nil {
		if resp.StatusCode >= 400 {
			return &TelegramError{Code: resp.StatusCode, Description: strings.TrimSpace(string(respBody))}
		}
		return fmt.Errorf("decoding telegram response: %w", err)
	}
	if resp.StatusCode >= 400 || !br.OK {
		code := br.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &TelegramError{Code: code, Description: br.Description}
	}
	return nil
}
