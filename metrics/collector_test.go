package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSlots struct {
	inFlight int
	capacity int
}

func (s stubSlots) InFlight() int       { return s.inFlight }
func (s stubSlots) WorkerCapacity() int { return s.capacity }

func TestGetWorkerSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("success - reports pool occupancy", func(t *testing.T) {
		c := NewRedisCollector(nil, stubSlots{inFlight: 2, capacity: 8})

		slots, err := c.GetWorkerSlots(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), slots.InFlight)
		assert.Equal(t, int64(8), slots.Capacity)
	})

	t.Run("success - zero without a slot source", func(t *testing.T) {
		c := NewRedisCollector(nil, nil)

		slots, err := c.GetWorkerSlots(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), slots.InFlight)
		assert.Equal(t, int64(0), slots.Capacity)
	})
}
