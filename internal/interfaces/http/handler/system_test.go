package handler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type pingerFunc func() error

func (f pingerFunc) Ping() error { return f() }

func TestSystemHandler_GetSystemInfo(t *testing.T) {
	h := NewSystemHandler(nil, "1.4.0")
	c, w := newContext(http.MethodGet, "/system/info", uuid.Nil)

	h.GetSystemInfo(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]any)
	assert.Equal(t, "Clinic Desk API", data["name"])
	assert.Equal(t, "1.4.0", data["version"])
	assert.NotEmpty(t, data["go_version"])
	assert.NotEmpty(t, data["uptime"])
}

func TestSystemHandler_Ping(t *testing.T) {
	t.Run("without database", func(t *testing.T) {
		c, w := newContext(http.MethodGet, "/system/ping", uuid.Nil)
		NewSystemHandler(nil, "dev").Ping(c)

		assert.Equal(t, http.StatusOK, w.Code)
		data := decode(t, w).Data.(map[string]any)
		assert.Equal(t, "pong", data["message"])
		assert.Equal(t, "unchecked", data["database"])
	})

	t.Run("database reachable", func(t *testing.T) {
		c, w := newContext(http.MethodGet, "/system/ping", uuid.Nil)
		NewSystemHandler(pingerFunc(func() error { return nil }), "dev").Ping(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode(t, w).Data.(map[string]any)["database"])
	})

	t.Run("database down", func(t *testing.T) {
		c, w := newContext(http.MethodGet, "/system/ping", uuid.Nil)
		NewSystemHandler(pingerFunc(func() error { return errors.New("dial tcp: refused") }), "dev").Ping(c)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "refused")
	})
}
