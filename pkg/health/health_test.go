package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("dir", WritableDir(t.TempDir()))
	c.Register("redis", Ping(func(context.Context) error { return errors.New("refused") }, false))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["dir"].Status)
	assert.Equal(t, "refused", report.Components["redis"].Message)

	c.Register("postgres", Ping(func(context.Context) error { return errors.New("down") }, true))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestWritableDirFailsOnFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	assert.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	got := WritableDir(file)(context.Background())
	assert.Equal(t, StatusDown, got.Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("ok", Ping(func(context.Context) error { return nil }, true))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("bad", Ping(func(context.Context) error { return errors.New("x") }, true))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
