package services

import (
	"context"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/telemetry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryService(t *testing.T) {
	env := newPipelineEnv(t, pipelineOptions{})
	service := NewHistoryService(env.repos, telemetry.NewCurrentValueCache(env.repos.CurrentValue()), utils.NewNopLogger())
	ctx := context.Background()

	for _, v := range []float64{10, 20, 30} {
		env.ingest(t, map[string]interface{}{"temp": v})
		env.clock.Advance(time.Minute)
	}
	tr := utils.TimeRange{Start: ingestBase.Add(-time.Hour), End: ingestBase.Add(time.Hour)}

	t.Run("Should return the latest values", func(t *testing.T) {
		latest, err := service.GetLatest(ctx, env.device.ID)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, 30.0, latest[0].Value)
		assert.Equal(t, 20.0, latest[0].Previous)
	})

	t.Run("Should page history newest first", func(t *testing.T) {
		page, err := service.GetHistory(ctx, env.device.ID, env.temp.ID, tr, utils.PaginationRequest{Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Pagination.TotalItems)

		items, ok := page.Data.([]HistoryItem)
		require.True(t, ok)
		require.Len(t, items, 2)
		assert.Equal(t, 30.0, items[0].Value)
		assert.Equal(t, SourceAPI, items[0].Source)
		assert.True(t, items[0].Time.After(items[1].Time))
	})

	t.Run("Should aggregate statistics", func(t *testing.T) {
		stats, err := service.GetStatistics(ctx, env.device.ID, env.temp.ID, tr)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Count)
		require.NotNil(t, stats.Avg)
		assert.InDelta(t, 20.0, *stats.Avg, 1e-9)
	})

	t.Run("Should report an unknown device", func(t *testing.T) {
		_, err := service.GetLatest(ctx, 9999)
		assert.ErrorIs(t, err, utils.ErrNotFound)

		_, err = service.GetHistory(ctx, 9999, env.temp.ID, tr, utils.PaginationRequest{Page: 1, Limit: 2})
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})
}
