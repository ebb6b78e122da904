package model

// OutcomeKind is the resolution of one section in a run.
type OutcomeKind string

const (
	OutcomeGenerated OutcomeKind = "generated"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
)

// SectionInput is one (sectionKey, text) pair requested for narration.
type SectionInput struct {
	SectionKey string `json:"sectionKey"`
	Text       string `json:"text"`
}

// SectionOutcome is reported per section (and variant) back to the requester.
type SectionOutcome struct {
	SectionKey string      `json:"sectionKey"`
	Variant    string      `json:"variant"`
	Outcome    OutcomeKind `json:"outcome"`
	TrackID    int64       `json:"trackId,omitempty"`
	AudioURL   string      `json:"audioUrl,omitempty"`
	Error      string      `json:"error,omitempty"`
	MixQueued  bool        `json:"mixQueued,omitempty"`
}

// MixEvent is the input of one mixing job.
type MixEvent struct {
	VoiceURL       string   `json:"voiceUrl"`
	BgURL          string   `json:"bgUrl"`
	OutputKey      string   `json:"outputKey"`
	Variant        string   `json:"variant"`
	VoiceVolume    *float64 `json:"voiceVolume,omitempty"`
	BgVolume       *float64 `json:"bgVolume,omitempty"`
	BinauralURL    string   `json:"binauralUrl,omitempty"`
	BinauralVolume *float64 `json:"binauralVolume,omitempty"`
	TrackID        int64    `json:"trackId"`
}

// MixResultBody is the body of a mixing job response.
type MixResultBody struct {
	Success   bool   `json:"success"`
	OutputKey string `json:"outputKey"`
	MixedURL  string `json:"mixedUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MixResult mirrors the status-code envelope expected by the external scheduler.
type MixResult struct {
	StatusCode int           `json:"statusCode"`
	Body       MixResultBody `json:"body"`
}
