package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMemberDirectory serves member names from a map and records how
// many lookups were made.
type mockMemberDirectory struct {
	names   map[string]string
	err     error
	lookups int
}

func (m *mockMemberDirectory) MemberName(
	_ context.Context,
	_ string,
	userID string,
) (string, error) {
	m.lookups++
	if m.err != nil {
		return "", m.err
	}
	name, ok := m.names[userID]
	if !ok {
		return "", fmt.Errorf("unknown member: %s", userID)
	}
	return name, nil
}

func newTestResolver(
	t testing.TB,
	directory MemberDirectory,
) *IdentityResolver {
	t.Helper()
	return NewIdentityResolver(
		testDBI(t),
		directory,
		slog.Default().With("test", t.Name()),
	)
}

func TestIdentityStoredNameWins(t *testing.T) {
	ctx := context.Background()
	directory := &mockMemberDirectory{
		names: map[string]string{"user-1": "DirectoryName"},
	}
	resolver := newTestResolver(t, directory)

	require.NoError(t, resolver.SetName(ctx, "user-1", "StoredName"))

	assert.Equal(t, "StoredName", resolver.Resolve(ctx, "guild-1", "user-1"))
	assert.Zero(t, directory.lookups, "stored names skip the directory")
}

func TestIdentityDirectoryFallback(t *testing.T) {
	ctx := context.Background()
	directory := &mockMemberDirectory{
		names: map[string]string{"user-1": "DirectoryName"},
	}
	resolver := newTestResolver(t, directory)

	assert.Equal(
		t, "DirectoryName", resolver.Resolve(ctx, "guild-1", "user-1"),
	)
	assert.Equal(t, 1, directory.lookups)

	// The directory result is persisted
	identity, err := resolver.Identity(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "DirectoryName", identity.Name)

	// And cached: no second lookup
	assert.Equal(
		t, "DirectoryName", resolver.Resolve(ctx, "guild-1", "user-1"),
	)
	assert.Equal(t, 1, directory.lookups)
}

func TestIdentityRawIDFallback(t *testing.T) {
	ctx := context.Background()
	directory := &mockMemberDirectory{err: errors.New("api unavailable")}
	resolver := newTestResolver(t, directory)

	assert.Equal(
		t,
		"123456789012345678",
		resolver.Resolve(ctx, "guild-1", "123456789012345678"),
	)

	// No directory configured at all
	resolver = newTestResolver(t, nil)
	assert.Equal(t, "some-id", resolver.Resolve(ctx, "guild-1", "some-id"))
}

func TestIdentitySetNameRefreshesCache(t *testing.T) {
	ctx := context.Background()
	directory := &mockMemberDirectory{
		names: map[string]string{"user-1": "OldName"},
	}
	resolver := newTestResolver(t, directory)

	assert.Equal(t, "OldName", resolver.Resolve(ctx, "guild-1", "user-1"))

	require.NoError(t, resolver.SetName(ctx, "user-1", "NewName"))
	assert.Equal(t, "NewName", resolver.Resolve(ctx, "guild-1", "user-1"))
}

func TestIdentityMemory(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(t, nil)

	memory, err := resolver.Memory(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, memory)

	require.NoError(
		t, resolver.SetMemory(ctx, "user-1", "likes yaks"),
	)
	memory, err = resolver.Memory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "likes yaks", memory)

	// Memory and name are independent columns on the same row
	require.NoError(t, resolver.SetName(ctx, "user-1", "Alice"))
	memory, err = resolver.Memory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "likes yaks", memory)

	identity, err := resolver.Identity(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "Alice", identity.Name)

	require.NoError(
		t, resolver.SetMemory(ctx, "user-1", "likes goats now"),
	)
	memory, err = resolver.Memory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "likes goats now", memory)
}

func TestIdentityAbsent(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(t, nil)

	identity, err := resolver.Identity(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, identity)
}
