package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/testutil"
)

func row(dims domain.Dimensions, bucket time.Time, value float64, samples int64) domain.EventMetric {
	return domain.EventMetric{
		Name:              "m",
		AggregationType:   domain.AggCount,
		Dimensions:        dims,
		WindowSizeMinutes: 5,
		Timestamp:         bucket,
		Value:             value,
		SampleCount:       samples,
		UpdatedAt:         now,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ReplaceBucketReportsOnlyRealChanges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

		rows := []domain.EventMetric{
			row(domain.Dimensions{"direction": "inbound"}, b, 1, 1),
			row(domain.Dimensions{"direction": "outbound"}, b, 3, 3),
		}
		n, err := s.ReplaceBucket(ctx, "m", b, rows)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = s.ReplaceBucket(ctx, "m", b, rows)
		require.NoError(t, err)
		require.Zero(t, n)

		// One value changes and one dimension set disappears.
		n, err = s.ReplaceBucket(ctx, "m", b, []domain.EventMetric{
			row(domain.Dimensions{"direction": "outbound"}, b, 4, 4),
		})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		got, err := s.Series(ctx, "m", b, b.Add(5*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, 4.0, got[0].Value)
		require.Equal(t, domain.Dimensions{"direction": "outbound"}, got[0].Dimensions)

		n, err = s.ReplaceBucket(ctx, "m", b, nil)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("SeriesIsOrderedAndBounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			b := b0.Add(time.Duration(i) * 5 * time.Minute)
			_, err := s.ReplaceBucket(ctx, "m", b, []domain.EventMetric{
				row(domain.Dimensions{"k": "z"}, b, float64(i), 1),
				row(domain.Dimensions{"k": "a"}, b, float64(i), 1),
			})
			require.NoError(t, err)
		}
		_, err := s.ReplaceBucket(ctx, "other", b0, []domain.EventMetric{row(domain.Dimensions{}, b0, 9, 1)})
		require.NoError(t, err)

		got, err := s.Series(ctx, "m", b0.Add(5*time.Minute), b0.Add(15*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 4)
		require.True(t, got[0].Timestamp.Equal(b0.Add(5*time.Minute)))
		require.Equal(t, "a", got[0].Dimensions["k"])
		require.Equal(t, "z", got[1].Dimensions["k"])
		require.True(t, got[3].Timestamp.Equal(b0.Add(10*time.Minute)))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPostgresStore(testutil.OpenPGXPool(t, "metrics"))
	})
}
