package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
)

func setupTestRepository(tb testing.TB) *RedisRepository {
	redisConfig := &config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       2, // Keep clear of the queue and cache test databases
		PoolSize: 5,
	}

	redisClient, err := queue.NewRedisClient(redisConfig)
	if err != nil {
		tb.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	err = redisClient.FlushDB(context.Background())
	require.NoError(tb, err)

	return NewRedisRepository(redisClient, 0)
}

func TestRedisRepository_ChannelLifecycle(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	userID := uuid.New()

	channel := &NotificationChannel{
		UserID: &userID,
		Type:   ChannelTypeSlack,
		Name:   "Team Slack",
		Config: ChannelConfig{
			SlackWebhookURL: "https://hooks.slack.com/services/T00/B00/XXX",
			SlackChannel:    "#generations",
		},
		Enabled: true,
		Preferences: NotificationPreferences{
			GenerationCompleted: true,
			GenerationFailed:    true,
			MediaTypes:          []string{"image"},
		},
	}

	err := repo.CreateChannel(ctx, channel)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, channel.ID)
	assert.False(t, channel.CreatedAt.IsZero())

	fetched, err := repo.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.ID, fetched.ID)
	require.NotNil(t, fetched.UserID)
	assert.Equal(t, userID, *fetched.UserID)
	assert.Equal(t, ChannelTypeSlack, fetched.Type)
	assert.Equal(t, "Team Slack", fetched.Name)
	assert.Equal(t, "https://hooks.slack.com/services/T00/B00/XXX", fetched.Config.SlackWebhookURL)
	assert.True(t, fetched.Enabled)
	assert.True(t, fetched.Preferences.GenerationCompleted)
	assert.Equal(t, []string{"image"}, fetched.Preferences.MediaTypes)

	fetched.Name = "Renamed Slack"
	fetched.Enabled = false
	err = repo.UpdateChannel(ctx, fetched)
	require.NoError(t, err)

	updated, err := repo.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Slack", updated.Name)
	assert.False(t, updated.Enabled)
	require.NotNil(t, updated.UserID)
	assert.Equal(t, userID, *updated.UserID)
	assert.WithinDuration(t, channel.CreatedAt, updated.CreatedAt, time.Second)

	err = repo.DeleteChannel(ctx, channel.ID)
	require.NoError(t, err)

	_, err = repo.GetChannel(ctx, channel.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	userChannels, err := repo.GetChannelsByUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, userChannels)
}

func TestRedisRepository_GetChannel_NotFound(t *testing.T) {
	repo := setupTestRepository(t)

	_, err := repo.GetChannel(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRedisRepository_UserAndSharedChannels(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	userID := uuid.New()
	otherID := uuid.New()

	older := &NotificationChannel{UserID: &userID, Type: ChannelTypeSlack, Name: "older", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, older))

	// Index scores have second granularity, space the creates across ticks
	time.Sleep(1100 * time.Millisecond)

	newer := &NotificationChannel{UserID: &userID, Type: ChannelTypeTeams, Name: "newer", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, newer))

	shared := &NotificationChannel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, shared))

	other := &NotificationChannel{UserID: &otherID, Type: ChannelTypeEmail, Name: "other-user", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, other))

	userChannels, err := repo.GetChannelsByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, userChannels, 2)
	assert.Equal(t, "newer", userChannels[0].Name)
	assert.Equal(t, "older", userChannels[1].Name)

	sharedChannels, err := repo.GetSharedChannels(ctx)
	require.NoError(t, err)
	require.Len(t, sharedChannels, 1)
	assert.Equal(t, "ops-slack", sharedChannels[0].Name)
	assert.Nil(t, sharedChannels[0].UserID)
}

func TestRedisRepository_LogEvent_UpdatesExisting(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	event := &NotificationEvent{
		ChannelID: uuid.New(),
		Type:      EventTypeGenerationCompleted,
		Status:    StatusPending,
		Message:   "Generation completed: image",
	}
	require.NoError(t, repo.LogEvent(ctx, event))
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.CreatedAt.IsZero())

	event.Status = StatusSent
	require.NoError(t, repo.LogEvent(ctx, event))

	events, total, err := repo.GetEvents(ctx, NotificationFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, StatusSent, events[0].Status)
	assert.Equal(t, "Generation completed: image", events[0].Message)
}

func TestRedisRepository_GetEvents_Filters(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	userID := uuid.New()

	userChannel := &NotificationChannel{UserID: &userID, Type: ChannelTypeSlack, Name: "user-slack", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, userChannel))

	sharedChannel := &NotificationChannel{Type: ChannelTypeTeams, Name: "ops-teams", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, sharedChannel))

	base := time.Now().Add(-time.Hour)

	sentCompleted := &NotificationEvent{
		ChannelID: userChannel.ID,
		Type:      EventTypeGenerationCompleted,
		Status:    StatusSent,
		CreatedAt: base,
	}
	failedGeneration := &NotificationEvent{
		ChannelID: userChannel.ID,
		Type:      EventTypeGenerationFailed,
		Status:    StatusFailed,
		CreatedAt: base.Add(time.Minute),
	}
	incident := &NotificationEvent{
		ChannelID: sharedChannel.ID,
		Type:      EventTypeSystemIncident,
		Status:    StatusSent,
		CreatedAt: base.Add(2 * time.Minute),
	}

	require.NoError(t, repo.LogEvent(ctx, sentCompleted))
	require.NoError(t, repo.LogEvent(ctx, failedGeneration))
	require.NoError(t, repo.LogEvent(ctx, incident))

	t.Run("no filter returns newest first", func(t *testing.T) {
		events, total, err := repo.GetEvents(ctx, NotificationFilter{}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, events, 3)
		assert.Equal(t, incident.ID, events[0].ID)
		assert.Equal(t, failedGeneration.ID, events[1].ID)
		assert.Equal(t, sentCompleted.ID, events[2].ID)
	})

	t.Run("filter by event type", func(t *testing.T) {
		eventType := EventTypeGenerationCompleted
		events, total, err := repo.GetEvents(ctx, NotificationFilter{EventType: &eventType}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, events, 1)
		assert.Equal(t, sentCompleted.ID, events[0].ID)
	})

	t.Run("filter by status", func(t *testing.T) {
		status := StatusSent
		events, total, err := repo.GetEvents(ctx, NotificationFilter{Status: &status}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, events, 2)
		assert.Equal(t, incident.ID, events[0].ID)
		assert.Equal(t, sentCompleted.ID, events[1].ID)
	})

	t.Run("filter by user resolves channel ownership", func(t *testing.T) {
		events, total, err := repo.GetEvents(ctx, NotificationFilter{UserID: &userID}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, events, 2)
		assert.Equal(t, failedGeneration.ID, events[0].ID)
		assert.Equal(t, sentCompleted.ID, events[1].ID)
	})

	t.Run("filter by channel type", func(t *testing.T) {
		channelType := ChannelTypeTeams
		events, total, err := repo.GetEvents(ctx, NotificationFilter{ChannelType: &channelType}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, events, 1)
		assert.Equal(t, incident.ID, events[0].ID)
	})

	t.Run("filter by date range", func(t *testing.T) {
		dateFrom := base.Add(30 * time.Second)
		events, total, err := repo.GetEvents(ctx, NotificationFilter{DateFrom: &dateFrom}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, events, 2)
		assert.Equal(t, incident.ID, events[0].ID)
		assert.Equal(t, failedGeneration.ID, events[1].ID)
	})
}

func TestRedisRepository_GetEvents_Pagination(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	ids := make([]uuid.UUID, 5)
	for i := 0; i < 5; i++ {
		event := &NotificationEvent{
			ChannelID: uuid.New(),
			Type:      EventTypeGenerationCompleted,
			Status:    StatusSent,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.LogEvent(ctx, event))
		ids[i] = event.ID
	}

	firstPage, total, err := repo.GetEvents(ctx, NotificationFilter{}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, firstPage, 2)
	assert.Equal(t, ids[4], firstPage[0].ID)
	assert.Equal(t, ids[3], firstPage[1].ID)

	secondPage, total, err := repo.GetEvents(ctx, NotificationFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, secondPage, 2)
	assert.Equal(t, ids[2], secondPage[0].ID)
	assert.Equal(t, ids[1], secondPage[1].ID)

	lastPage, total, err := repo.GetEvents(ctx, NotificationFilter{}, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, lastPage, 1)
	assert.Equal(t, ids[0], lastPage[0].ID)

	beyond, total, err := repo.GetEvents(ctx, NotificationFilter{}, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, beyond)
}

func TestRedisRepository_GetStats(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	userID := uuid.New()

	slackChannel := &NotificationChannel{UserID: &userID, Type: ChannelTypeSlack, Name: "user-slack", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, slackChannel))

	emailChannel := &NotificationChannel{UserID: &userID, Type: ChannelTypeEmail, Name: "user-email", Enabled: true}
	require.NoError(t, repo.CreateChannel(ctx, emailChannel))

	base := time.Now().Add(-time.Hour)
	events := []*NotificationEvent{
		{ChannelID: slackChannel.ID, Type: EventTypeGenerationCompleted, Status: StatusSent, CreatedAt: base},
		{ChannelID: emailChannel.ID, Type: EventTypeSystemIncident, Status: StatusSent, CreatedAt: base.Add(time.Minute)},
		{ChannelID: slackChannel.ID, Type: EventTypeGenerationFailed, Status: StatusFailed, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, event := range events {
		require.NoError(t, repo.LogEvent(ctx, event))
	}

	stats, err := repo.GetStats(ctx, NotificationFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.TotalSent)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, int64(1), stats.ByEventType[EventTypeGenerationCompleted])
	assert.Equal(t, int64(1), stats.ByEventType[EventTypeSystemIncident])
	assert.Equal(t, int64(1), stats.ByChannel[ChannelTypeSlack])
	assert.Equal(t, int64(1), stats.ByChannel[ChannelTypeEmail])
	assert.Len(t, stats.RecentEvents, 3)
	assert.False(t, stats.LastUpdated.IsZero())
}
