// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/reportsched/internal/database"
	"github.com/reportsched/internal/logging"
)

// NewTestDB opens a migrated SQLite database in a per-test directory and
// closes it when the test ends.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "test.db"))
}

// OpenTestDB opens path, which several handles may share to simulate
// separate processes.
func OpenTestDB(t testing.TB, path string) *gorm.DB {
	t.Helper()
	db, err := database.Open(path, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now.UTC()
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
