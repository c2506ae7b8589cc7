package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/domain"
)

type botCall struct {
	Path string
	Req  sendMessageRequest
}

// fakeBot records sendMessage calls and answers with respond.
type fakeBot struct {
	mu      sync.Mutex
	calls   []botCall
	respond func(n int, req sendMessageRequest) (int, string)
}

func (b *fakeBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.calls = append(b.calls, botCall{Path: r.URL.Path, Req: req})
	n := len(b.calls)
	b.mu.Unlock()

	status, body := http.StatusOK, `{"ok":true,"result":{}}`
	if b.respond != nil {
		status, body = b.respond(n, req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

var telegramSettings = domain.Settings{
	Channel:          domain.ChannelTelegram,
	TelegramBotToken: "123:ABC",
	TelegramChatID:   "-1001",
}

func newTestTelegram(t *testing.T, bot *fakeBot) *TelegramSender {
	t.Helper()
	srv := httptest.NewServer(bot)
	t.Cleanup(srv.Close)
	return NewTelegramSender(srv.URL, 5*time.Second, 0, zerolog.Nop())
}

func TestTelegramSender_SendsMarkdownV2(t *testing.T) {
	bot := &fakeBot{}
	s := newTestTelegram(t, bot)

	require.NoError(t, s.Send(context.Background(), telegramSettings, "Check completed: Docs", "MATCH."))
	require.Len(t, bot.calls, 1)
	assert.Equal(t, "/bot123:ABC/sendMessage", bot.calls[0].Path)
	assert.Equal(t, "-1001", bot.calls[0].Req.ChatID)
	assert.Equal(t, "MarkdownV2", bot.calls[0].Req.ParseMode)
	assert.Equal(t, "Check completed: Docs\n\nMATCH\\.", bot.calls[0].Req.Text)
}

func TestTelegramSender_SendsEveryChunk(t *testing.T) {
	bot := &fakeBot{}
	s := newTestTelegram(t, bot)

	body := strings.Repeat("a long line of text\n", 500)
	want := FormatTelegram("S", body)
	require.Greater(t, len(want), 1)

	require.NoError(t, s.Send(context.Background(), telegramSettings, "S", body))
	require.Len(t, bot.calls, len(want))
	for i, c := range bot.calls {
		assert.Equal(t, want[i], c.Req.Text)
	}
}

func TestTelegramSender_FallsBackToPlainTextOnParseError(t *testing.T) {
	bot := &fakeBot{respond: func(n int, req sendMessageRequest) (int, string) {
		if req.ParseMode == "MarkdownV2" {
			return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Character '.' is reserved"}`
		}
		return http.StatusOK, `{"ok":true,"result":{}}`
	}}
	s := newTestTelegram(t, bot)

	require.NoError(t, s.Send(context.Background(), telegramSettings, "Check failed: Docs", "boom (x.y)"))
	require.Len(t, bot.calls, 2)
	assert.Equal(t, "MarkdownV2", bot.calls[0].Req.ParseMode)
	assert.Empty(t, bot.calls[1].Req.ParseMode)
	assert.Equal(t, "Check failed: Docs\n\nboom (x.y)", bot.calls[1].Req.Text)
}

func TestTelegramSender_OtherErrorsAbortRemainingChunks(t *testing.T) {
	bot := &fakeBot{respond: func(int, sendMessageRequest) (int, string) {
		return http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	}}
	s := newTestTelegram(t, bot)

	body := strings.Repeat("a long line of text\n", 500)
	err := s.Send(context.Background(), telegramSettings, "S", body)
	require.Error(t, err)

	var tgErr *TelegramError
	require.ErrorAs(t, err, &tgErr)
	assert.Equal(t, 403, tgErr.Code)
	assert.Len(t, bot.calls, 1)
	assert.NotContains(t, err.Error(), "123:ABC")
}

func TestTelegramSender_PlainTextRetryFailurePropagates(t *testing.T) {
	bot := &fakeBot{respond: func(n int, req sendMessageRequest) (int, string) {
		if req.ParseMode == "MarkdownV2" {
			return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
		}
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`
	}}
	s := newTestTelegram(t, bot)

	err := s.Send(context.Background(), telegramSettings, "S", "m")
	var tgErr *TelegramError
	require.ErrorAs(t, err, &tgErr)
	assert.Equal(t, 429, tgErr.Code)
	assert.Len(t, bot.calls, 2)
}

func TestTelegramSender_RedactsTokenFromTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := NewTelegramSender(srv.URL, time.Second, 0, zerolog.Nop())
	err := s.Send(context.Background(), telegramSettings, "S", "m")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "123:ABC")
}
