package yakbot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
//
// The function creates a temporary directory, constructs a SQLite database
// file path within it, and initializes the database using the CreateDB
// function. If there is an error during database creation, the test fails
// with a fatal error.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// testDBI wraps gormDB in the DBI interface with a test-scoped logger.
func testDBI(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(
		gormDB(t),
		slog.Default().With("test", t.Name()),
		false,
	)
}

func testCreditConfig() *CreditConfig {
	return &CreditConfig{
		InitialAllowance:         DefaultInitialAllowance,
		AdminAllowanceMultiplier: DefaultAdminAllowanceMultiplier,
		ResetTimezone:            DefaultResetTimezone,
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "foo", truncate("foo", 10))
	assert.Equal(t, "foo", truncate("foobar", 3))
	assert.Equal(t, "", truncate("", 5))
	assert.Equal(t, "日本", truncate("日本語", 2))
}

func TestChunkString(t *testing.T) {
	assert.Nil(t, chunkString("", 5))
	assert.Equal(t, []string{"abc"}, chunkString("abc", 5))
	assert.Equal(t, []string{"abcde", "fgh"}, chunkString("abcdefgh", 5))
	assert.Equal(t, []string{"ab", "cd"}, chunkString("abcd", 2))

	chunks := chunkString("日本語のテキスト", 3)
	assert.Equal(t, []string{"日本語", "のテキ", "スト"}, chunks)
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)

	found, ok := ContextLogger(ctx)
	assert.True(t, ok)
	assert.Equal(t, logger, found)
}
