package storage

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	CategoryAudio   = "audio"
	CategoryUploads = "uploads"

	// PreviewPrefix holds one reference clip per narration voice.
	PreviewPrefix = "site-assets/voice-previews"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitize keeps key segments to a conservative character set.
func sanitize(segment string) string {
	s := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(segment), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "untitled"
	}
	return s
}

// TrackKeySpec names everything that determines a track's storage key.
type TrackKeySpec struct {
	OwnerScope string
	OwnerID    string
	EntityID   string
	Category   string
	Variant    string
	SectionKey string
	VoiceID    string
	Ext        string
}

// TrackKey renders {scope}/{owner}/{entity}/{category}/{variant?}/{section}-{voice}.{ext}.
// The standard variant has no variant segment.
func TrackKey(spec TrackKeySpec) string {
	category := spec.Category
	if category == "" {
		category = CategoryAudio
	}
	parts := []string{sanitize(spec.OwnerScope), sanitize(spec.OwnerID), sanitize(spec.EntityID), sanitize(category)}
	if spec.Variant != "" && spec.Variant != "standard" {
		parts = append(parts, sanitize(spec.Variant))
	}
	ext := strings.TrimPrefix(spec.Ext, ".")
	if ext == "" {
		ext = "mp3"
	}
	file := fmt.Sprintf("%s-%s.%s", sanitize(spec.SectionKey), sanitize(spec.VoiceID), ext)
	return path.Join(append(parts, file)...)
}

// MixedKey inserts "-mixed" before the extension.
func MixedKey(key string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + "-mixed" + ext
}

// PreviewKey is the shared preview clip location for voice.
func PreviewKey(voice, ext string) string {
	if ext == "" {
		ext = "mp3"
	}
	return fmt.Sprintf("%s/%s.%s", PreviewPrefix, sanitize(voice), strings.TrimPrefix(ext, "."))
}

// UploadKey places a client upload under the owner's uploads folder. unique
// disambiguates repeated uploads of the same file name.
func UploadKey(ownerScope, ownerID, folder, unique, fileName string) string {
	if folder == "" {
		folder = CategoryUploads
	}
	return path.Join(sanitize(ownerScope), sanitize(ownerID), sanitize(folder), fmt.Sprintf("%s-%s", unique, sanitize(fileName)))
}

// PublicURL joins the CDN origin and key.
func PublicURL(origin, key string) string {
	return strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(key, "/")
}

// KeyFromURL strips origin from rawURL. ok is false if rawURL is not under origin.
func KeyFromURL(origin, rawURL string) (string, bool) {
	prefix := strings.TrimRight(origin, "/") + "/"
	if origin == "" || !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	return key, key != ""
}

// ContentTypeFor maps an audio extension to its MIME type.
func ContentTypeFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/pcm"
	case "mp4":
		return "video/mp4"
	default:
		return "audio/mpeg"
	}
}
