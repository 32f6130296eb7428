package trackstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelkit/go-uploadutils/uploader/network"
	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

func testTrack(lastTime int64) *Track {
	return &Track{
		FileName:      "video.mp4",
		FileSize:      10 * 1024 * 1024,
		ContentType:   "video/mp4",
		LastModified:  1685620800000,
		FileType:      "video",
		SubCategory:   "clips",
		FileExtension: "mp4",
		RemoteName:    "media/abc123.mp4",
		Percent:       42,
		Checkpoint:    &transfer.Checkpoint{Version: 1, Data: json.RawMessage(`{"upload_id":"up-1"}`)},
		LastTime:      lastTime,
		Token: &network.Token{
			Region:     "test-1",
			Bucket:     "test-bucket",
			RemoteName: "media/abc123.mp4",
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(NewMemoryKV(), log.NewLogger())
	track := testTrack(time.Now().Unix())

	require.NoError(t, store.Put("fingerprint-1", track))

	got, found := store.Get("fingerprint-1")
	require.True(t, found)
	assert.Equal(t, track, got)
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(NewMemoryKV(), log.NewLogger())

	_, found := store.Get("nope")
	assert.False(t, found)
}

func TestStore_GetMalformedValueIsAbsent(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set("upload_track:broken", "{not json"))
	store := NewStore(kv, log.NewLogger())

	_, found := store.Get("broken")
	assert.False(t, found)
}

func TestStore_PutOverwrites(t *testing.T) {
	store := NewStore(NewMemoryKV(), log.NewLogger())

	first := testTrack(time.Now().Unix())
	require.NoError(t, store.Put("fingerprint-1", first))

	second := testTrack(time.Now().Unix())
	second.Percent = 80
	require.NoError(t, store.Put("fingerprint-1", second))

	got, found := store.Get("fingerprint-1")
	require.True(t, found)
	assert.Equal(t, 80, got.Percent)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := NewStore(NewMemoryKV(), log.NewLogger())
	track := testTrack(time.Now().Unix())

	require.NoError(t, store.Put("fingerprint-1", track))
	require.NoError(t, store.Delete("fingerprint-1"))
	require.NoError(t, store.Delete("fingerprint-1"))

	_, found := store.Get("fingerprint-1")
	assert.False(t, found)
}

func TestStore_SweepExpired(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, log.NewLogger())

	require.NoError(t, store.Put("expired", testTrack(time.Now().Add(-48*time.Hour).Unix())))
	require.NoError(t, store.Put("fresh", testTrack(time.Now().Unix())))
	require.NoError(t, store.Put("no-timestamp", testTrack(0)))
	// Malformed values have no trustworthy timestamp, the sweep must not
	// remove them.
	require.NoError(t, kv.Set("upload_track:garbage", "{not json"))
	// Foreign keys outside the track namespace are none of our business.
	require.NoError(t, kv.Set("unrelated", "data"))

	store.SweepExpired(24 * time.Hour)

	_, found := store.Get("expired")
	assert.False(t, found, "expired track should be swept")

	_, found = store.Get("fresh")
	assert.True(t, found)

	_, found = store.Get("no-timestamp")
	assert.True(t, found)

	_, ok := kv.Get("upload_track:garbage")
	assert.True(t, ok)

	_, ok = kv.Get("unrelated")
	assert.True(t, ok)
}
