package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackKey(t *testing.T) {
	spec := TrackKeySpec{
		OwnerScope: "user-uploads",
		OwnerID:    "u-42",
		EntityID:   "vision-7",
		SectionKey: "money",
		VoiceID:    "nova",
		Variant:    "standard",
		Ext:        "mp3",
	}
	assert.Equal(t, "user-uploads/u-42/vision-7/audio/money-nova.mp3", TrackKey(spec))

	spec.Variant = "sleep"
	assert.Equal(t, "user-uploads/u-42/vision-7/audio/sleep/money-nova.mp3", TrackKey(spec))

	spec.SectionKey = "../etc passwd"
	assert.Equal(t, "user-uploads/u-42/vision-7/audio/sleep/etc-passwd-nova.mp3", TrackKey(spec))
}

func TestTrackKeyDeterministic(t *testing.T) {
	spec := TrackKeySpec{OwnerScope: "s", OwnerID: "o", EntityID: "e", SectionKey: "k", VoiceID: "v", Ext: ".wav"}
	assert.Equal(t, TrackKey(spec), TrackKey(spec))
	assert.Equal(t, "s/o/e/audio/k-v.wav", TrackKey(spec))
}

func TestMixedKey(t *testing.T) {
	assert.Equal(t, "a/b/forward-nova-mixed.mp3", MixedKey("a/b/forward-nova.mp3"))
	assert.Equal(t, "a/b/noext-mixed", MixedKey("a/b/noext"))
}

func TestPreviewKey(t *testing.T) {
	assert.Equal(t, "site-assets/voice-previews/coral.mp3", PreviewKey("coral", ""))
	assert.Equal(t, "site-assets/voice-previews/coral.wav", PreviewKey("coral", ".wav"))
}

func TestUploadKey(t *testing.T) {
	key := UploadKey("user-uploads", "u-1", "", "abc123", "My Holiday Video.MOV")
	assert.Equal(t, "user-uploads/u-1/uploads/abc123-My-Holiday-Video.MOV", key)
}

func TestPublicURLRoundTrip(t *testing.T) {
	origin := "https://media.example.com/"
	url := PublicURL(origin, "user-uploads/u/e/audio/k-v.mp3")
	assert.Equal(t, "https://media.example.com/user-uploads/u/e/audio/k-v.mp3", url)

	key, ok := KeyFromURL(origin, url+"?v=2")
	assert.True(t, ok)
	assert.Equal(t, "user-uploads/u/e/audio/k-v.mp3", key)

	_, ok = KeyFromURL(origin, "https://elsewhere.example.com/a.mp3")
	assert.False(t, ok)
	_, ok = KeyFromURL("", "https://media.example.com/a.mp3")
	assert.False(t, ok)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", ContentTypeFor("mp3"))
	assert.Equal(t, "audio/wav", ContentTypeFor(".WAV"))
	assert.Equal(t, "audio/mpeg", ContentTypeFor(""))
}
