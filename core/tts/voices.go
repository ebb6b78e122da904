package tts

import "strings"

// Voice describes one narration voice offered to users.
type Voice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BrandName string `json:"brandName"`
	Gender    string `json:"gender"`
}

var catalog = []Voice{
	{ID: "alloy", Name: "Alloy", BrandName: "Clarity Mentor", Gender: "male"},
	{ID: "ash", Name: "Ash", BrandName: "Steady Anchor", Gender: "male"},
	{ID: "coral", Name: "Coral", BrandName: "Cosmic Storyteller", Gender: "female"},
	{ID: "echo", Name: "Echo", BrandName: "Calm Reflection", Gender: "male"},
	{ID: "fable", Name: "Fable", BrandName: "Story Weaver", Gender: "male"},
	{ID: "nova", Name: "Nova", BrandName: "Bright Spark", Gender: "female"},
	{ID: "onyx", Name: "Onyx", BrandName: "Grounded Voice", Gender: "male"},
	{ID: "sage", Name: "Sage", BrandName: "Deep Presence", Gender: "male"},
	{ID: "shimmer", Name: "Shimmer", BrandName: "Gentle Light", Gender: "female"},
	{ID: "verse", Name: "Verse", BrandName: "Warm Guide", Gender: "male"},
}

// PreviewText is narrated for every voice preview clip.
const PreviewText = "We are doing this! We're taking the initiative to have a vibration transformation in our life! " +
	"The infinite part of our consciousness is always there, always excited, and elated when we acknowledge it " +
	"and decide to be all that we've become. This is a process of discovery."

// Voices returns a copy of the catalog.
func Voices() []Voice {
	out := make([]Voice, len(catalog))
	copy(out, catalog)
	return out
}

// LookupVoice finds a voice by id, case-insensitively.
func LookupVoice(id string) (Voice, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, v := range catalog {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}

// formats are the response formats the speech endpoint can return.
var formats = map[string]bool{"mp3": true, "opus": true, "aac": true, "flac": true, "wav": true, "pcm": true}

// ValidFormat reports whether f (already lowercased) is a supported output format.
func ValidFormat(f string) bool {
	return formats[f]
}
