package middleware

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadnurture/config"
	"leadnurture/models"
	"leadnurture/testutil"
	"leadnurture/utils"
)

func TestProtected(t *testing.T) {
	db := testutil.NewDB(t)
	creatorID := testutil.NewCreator(t, db, "creator@test.com")
	var creator models.Creator
	require.NoError(t, db.First(&creator, creatorID).Error)

	app := fiber.New()
	app.Get("/me", Protected(db, "secret"), func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprint(CreatorID(c)))
	})

	call := func(header string) (int, string) {
		req := httptest.NewRequest("GET", "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	token, err := utils.GenerateJWTToken(&creator, "secret", time.Hour)
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		status, body := call("Bearer " + token)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, fmt.Sprint(creatorID), body)
	})

	t.Run("Error - Missing or malformed header", func(t *testing.T) {
		status, _ := call("")
		assert.Equal(t, fiber.StatusUnauthorized, status)
		status, _ = call("Token " + token)
		assert.Equal(t, fiber.StatusUnauthorized, status)
		status, _ = call("Bearer garbage")
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("Error - Revoked token version", func(t *testing.T) {
		require.NoError(t, db.Model(&creator).Update("token_version", 1).Error)
		status, _ := call("Bearer " + token)
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("Error - Inactive creator", func(t *testing.T) {
		require.NoError(t, db.Model(&creator).Update("is_active", false).Error)
		creator.TokenVersion = 1
		fresh, err := utils.GenerateJWTToken(&creator, "secret", time.Hour)
		require.NoError(t, err)
		status, _ := call("Bearer " + fresh)
		assert.Equal(t, fiber.StatusForbidden, status)
	})
}

func TestRunRateLimiterWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	storage := NewRedisStorage(config.RedisConfig{Enabled: true, Address: mr.Addr()})
	defer storage.Close()

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		var id uint
		_, _ = fmt.Sscan(c.Get("X-Creator"), &id)
		c.Locals("creatorID", id)
		return c.Next()
	})
	app.Post("/api/v1/run", RunRateLimiter(2, storage), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	post := func(creator string) int {
		req := httptest.NewRequest("POST", "/api/v1/run", nil)
		req.Header.Set("X-Creator", creator)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, post("1"))
	assert.Equal(t, fiber.StatusOK, post("1"))
	assert.Equal(t, fiber.StatusTooManyRequests, post("1"))
	assert.Equal(t, fiber.StatusOK, post("2"), "limits are per creator")

	assert.True(t, mr.Exists(utils.GenerateRateLimitKey(1, "/api/v1/run")), "counters live in redis")
}

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	storage := NewRedisStorage(config.RedisConfig{Address: mr.Addr()})
	defer storage.Close()

	val, err := storage.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, storage.Set("k", []byte("v"), time.Minute))
	val, err = storage.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, storage.Delete("k"))
	val, err = storage.Get("k")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, storage.Set("a", []byte("1"), 0))
	require.NoError(t, storage.Reset())
	assert.False(t, mr.Exists("a"))

	assert.Nil(t, NewRateLimitStorage(config.RedisConfig{Enabled: false}))
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS([]string{" https://app.example.com/ ", ""}))
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest("OPTIONS", "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	t.Run("No origins configured", func(t *testing.T) {
		app := fiber.New()
		app.Use(CORS(nil))
		app.Get("/x", func(c *fiber.Ctx) error { return c.SendString("ok") })

		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("Origin", "https://anywhere.example.com")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Credentials"))
	})
}
