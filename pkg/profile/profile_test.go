package profile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDirectory struct {
	profiles map[string]Profile
	err      error
	calls    [][]string
}

func (d *recordingDirectory) Lookup(ctx context.Context, ids []string) ([]Profile, error) {
	d.calls = append(d.calls, append([]string(nil), ids...))
	if d.err != nil {
		return nil, d.err
	}
	var out []Profile
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestResolveBatchesAtLookupLimit(t *testing.T) {
	dir := &recordingDirectory{profiles: map[string]Profile{}}
	ids := make([]string, 23)
	for i := range ids {
		id := fmt.Sprintf("u%02d", i)
		ids[i] = id
		dir.profiles[id] = Profile{ID: id, DisplayName: "User " + id}
	}
	cache := NewCache(dir, zerolog.Nop())

	result := cache.Resolve(context.Background(), ids)
	require.Len(t, result, 23)
	require.Len(t, dir.calls, 3, "23 ids split into 10+10+3")
	assert.Len(t, dir.calls[0], 10)
	assert.Len(t, dir.calls[1], 10)
	assert.Len(t, dir.calls[2], 3)
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	dir := &recordingDirectory{profiles: map[string]Profile{
		"bob": {ID: "bob", DisplayName: "Bob Vendor"},
	}}
	cache := NewCache(dir, zerolog.Nop())

	assert.Equal(t, "Bob Vendor", cache.DisplayName(context.Background(), "bob"))
	assert.Equal(t, "Bob Vendor", cache.DisplayName(context.Background(), "bob"))
	assert.Len(t, dir.calls, 1, "second resolve is served from cache")
}

func TestResolveMissingProfileCachedAsPlaceholder(t *testing.T) {
	dir := &recordingDirectory{profiles: map[string]Profile{}}
	cache := NewCache(dir, zerolog.Nop())

	assert.Equal(t, Placeholder, cache.DisplayName(context.Background(), "ghost"))
	assert.Equal(t, Placeholder, cache.DisplayName(context.Background(), "ghost"))
	assert.Len(t, dir.calls, 1, "a confirmed-missing id is not re-queried")
}

func TestResolveLookupFailureFallsBackAndRetries(t *testing.T) {
	dir := &recordingDirectory{err: errors.New("directory down")}
	cache := NewCache(dir, zerolog.Nop())

	assert.Equal(t, Placeholder, cache.DisplayName(context.Background(), "bob"))

	// Directory recovers: the id was never cached, so it is retried.
	dir.err = nil
	dir.profiles = map[string]Profile{"bob": {ID: "bob", DisplayName: "Bob Vendor"}}
	assert.Equal(t, "Bob Vendor", cache.DisplayName(context.Background(), "bob"))
	assert.Len(t, dir.calls, 2)
}

func TestResolveEmptyDisplayNameGetsPlaceholder(t *testing.T) {
	dir := &recordingDirectory{profiles: map[string]Profile{
		"bob": {ID: "bob", PhotoURL: "https://example.com/bob.jpg"},
	}}
	cache := NewCache(dir, zerolog.Nop())

	p := cache.Resolve(context.Background(), []string{"bob"})["bob"]
	assert.Equal(t, Placeholder, p.DisplayName)
	assert.Equal(t, "https://example.com/bob.jpg", p.PhotoURL)
}
