package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/domain"
	"pagewatch/internal/store"
	"pagewatch/internal/store/storetest"
)

func TestTasks_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	id, err := s.CreateTask(ctx, domain.Task{
		Title: "Release notes", URL: "https://example.com/releases", Prompt: "a new major version",
		Schedule: "0 * * * *", Enabled: true, Owner: "me@example.com",
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Release notes", got.Title)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastCheckedAt)

	checked := time.Date(2026, 10, 19, 8, 30, 0, 123, time.UTC)
	require.NoError(t, s.UpdateTaskResult(ctx, id, checked, `{"candidates":[]}`))

	got, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, checked.Equal(*got.LastCheckedAt))
	assert.Equal(t, `{"candidates":[]}`, got.LastResult)
}

func TestTasks_NotFound(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	_, err := s.GetTask(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.UpdateTaskResult(ctx, 42, time.Now(), "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTasks_List(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.CreateTask(ctx, domain.Task{Title: title, URL: "https://example.com", Prompt: "p"})
		require.NoError(t, err)
	}
	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].Title)
	assert.Equal(t, "c", tasks[2].Title)
}

func TestSettings_TelegramTokenSealedAtRest(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	s := store.New(db, storetest.NewSealer(t))

	in := domain.Settings{
		OwnerIdentity:    "me@example.com",
		Channel:          domain.ChannelTelegram,
		TelegramBotToken: "123:secret-bot-token",
		TelegramChatID:   "-100200",
		RetentionDays:    14,
	}
	require.NoError(t, s.SaveSettings(ctx, in))

	var raw string
	require.NoError(t, db.Get(&raw, `SELECT telegram_bot_token FROM settings WHERE id = 1`))
	assert.NotContains(t, raw, "secret-bot-token")

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "123:secret-bot-token", got.TelegramBotToken)
	assert.Equal(t, domain.ChannelTelegram, got.Channel)
	assert.Equal(t, 14, got.RetentionDays)
}

func TestSettings_UnreadableTokenComesBackBlank(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	s := store.New(db, storetest.NewSealer(t))

	_, err := db.Exec(`UPDATE settings SET channel = 'telegram', telegram_bot_token = 'garbage' WHERE id = 1`)
	require.NoError(t, err)

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.TelegramBotToken)
}

func TestSettings_RejectsUnknownChannel(t *testing.T) {
	s := storetest.NewStore(t)
	err := s.SaveSettings(context.Background(), domain.Settings{Channel: "pigeon"})
	assert.Error(t, err)
}

func TestNotifications_DeleteBeforeIsStrict(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	cutoff := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{
		cutoff.Add(-time.Hour),
		cutoff.Add(-time.Nanosecond),
		cutoff,
		cutoff.Add(time.Second),
	} {
		_, err := s.CreateNotification(ctx, domain.Notification{Subject: "s", Message: "m", SentAt: at})
		require.NoError(t, err)
	}

	n, err := s.DeleteNotificationsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.True(t, left[0].SentAt.Equal(cutoff.Add(time.Second)))
	assert.True(t, left[1].SentAt.Equal(cutoff))
}

func TestNotifications_DeleteOne(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	id, err := s.CreateNotification(ctx, domain.Notification{Subject: "s", Message: "m", SentAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.DeleteNotification(ctx, id))
	assert.ErrorIs(t, s.DeleteNotification(ctx, id), store.ErrNotFound)
}

func TestStore_PropagatesDriverErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := store.New(sqlx.NewDb(mockDB, "sqlite"), storetest.NewSealer(t))

	mock.ExpectQuery(`SELECT id, title, url`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetTask(context.Background(), 7)
	assert.ErrorIs(t, err, store.ErrNotFound)

	boom := errors.New("disk I/O error")
	mock.ExpectExec(`INSERT INTO notifications`).
		WillReturnError(boom)
	_, err = s.CreateNotification(context.Background(), domain.Notification{Subject: "s", SentAt: time.Now()})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}
