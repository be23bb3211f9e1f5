package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAllowRefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	rl := New(Config{MaxRequestsPerMinute: 2, Now: clock.Now})
	defer rl.Stop()

	ok, _ := rl.Allow("s1")
	assert.True(t, ok)
	ok, _ = rl.Allow("s1")
	assert.True(t, ok)
	ok, wait := rl.Allow("s1")
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	// other keys have their own bucket
	ok, _ = rl.Allow("s2")
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	ok, _ = rl.Allow("s1")
	assert.True(t, ok)
	ok, _ = rl.Allow("s1")
	assert.False(t, ok)
}

func TestMiddlewareLimitsPerSession(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	rl := New(Config{MaxRequestsPerMinute: 1, Now: clock.Now})
	defer rl.Stop()

	app := fiber.New()
	app.Post("/sessions/:id/questions", rl.Middleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/sessions/a/questions", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/sessions/a/questions", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "61", resp.Header.Get("Retry-After"))

	resp, err = app.Test(httptest.NewRequest("POST", "/sessions/b/questions", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
