package rpcfetch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/gasreplay/internal/testchain"
)

func TestPool(t *testing.T) {
	chain := testchain.Generate(3, 0)

	t.Run("RoundRobin", func(t *testing.T) {
		pool := NewPool(0)
		pool.Add("a", newMockClient(chain))
		pool.Add("b", newMockClient(chain))
		pool.Add("a", newMockClient(chain))

		var urls []string
		for i := 0; i < 4; i++ {
			ep, err := pool.Get()
			require.NoError(t, err)
			urls = append(urls, ep.URL)
		}
		assert.Equal(t, []string{"a", "b", "a", "b"}, urls)
	})

	t.Run("SkipsUnhealthy", func(t *testing.T) {
		pool := NewPool(0)
		pool.Add("a", newMockClient(chain))
		pool.Add("b", newMockClient(chain))
		var changes []string
		pool.SetOnHealthChange(func(url string, healthy bool) {
			if !healthy {
				changes = append(changes, url)
			}
		})

		a, err := pool.Get()
		require.NoError(t, err)
		for i := 0; i < maxFailures; i++ {
			pool.MarkFailed(a)
		}
		assert.False(t, a.Healthy())
		assert.Equal(t, []string{"a"}, changes)
		assert.Equal(t, 1, pool.HealthyCount())

		for i := 0; i < 3; i++ {
			ep, err := pool.Get()
			require.NoError(t, err)
			assert.Equal(t, "b", ep.URL)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewPool(0).Get()
		assert.ErrorIs(t, err, ErrNoEndpoints)
		_, err = NewPool(0).Check(context.Background())
		assert.ErrorIs(t, err, ErrNoEndpoints)
	})

	t.Run("Closed", func(t *testing.T) {
		c := newMockClient(chain)
		pool := NewPool(0)
		pool.Add("a", c)
		pool.Close()
		pool.Close()
		assert.True(t, c.closed.Load())
		_, err := pool.Get()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestPoolCheck(t *testing.T) {
	chain := testchain.Generate(3, 0)
	ahead, behind, down := newMockClient(chain), newMockClient(chain), newMockClient(chain)
	ahead.head = 1000
	behind.head = 900
	down.fail = errors.New("dial tcp: connection refused")

	pool := NewPool(50)
	pool.Add("ahead", ahead)
	pool.Add("behind", behind)
	pool.Add("down", down)

	best, err := pool.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), best)

	status := map[string]EndpointInfo{}
	for _, info := range pool.Status() {
		status[info.URL] = info
	}
	assert.True(t, status["ahead"].Healthy)
	assert.False(t, status["behind"].Healthy)
	assert.Equal(t, uint64(900), status["behind"].Number)
	// One failure is not enough to drop an endpoint.
	assert.True(t, status["down"].Healthy)

	behind.head = 990
	_, err = pool.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, pool.HealthyCount())

	t.Run("AllDown", func(t *testing.T) {
		pool := NewPool(0)
		pool.Add("down", down)
		_, err := pool.Check(context.Background())
		assert.ErrorContains(t, err, "connection refused")
	})
}
