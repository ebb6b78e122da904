package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxChunkLen is the largest input sent to the provider in one request.
const MaxChunkLen = 3000

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	zeroWidth     = regexp.MustCompile("[\u200B-\u200D\uFEFF]")
	sentenceBreak = regexp.MustCompile(`([.!?])\s+`)
)

// NormalizeText collapses whitespace and strips zero-width characters.
func NormalizeText(text string) string {
	t := whitespaceRun.ReplaceAllString(text, " ")
	t = zeroWidth.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// ContentHash is the hex sha256 of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// splitSentences breaks after terminal punctuation followed by whitespace.
func splitSentences(t string) []string {
	marked := sentenceBreak.ReplaceAllString(t, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChunkText splits normalized text into pieces of at most maxLen bytes, keeping
// sentences whole where possible and hard-splitting any sentence longer than maxLen.
func ChunkText(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxChunkLen
	}
	t := NormalizeText(text)
	if len(t) <= maxLen {
		return []string{t}
	}

	var chunks []string
	current := ""
	for _, s := range splitSentences(t) {
		candidate := s
		if current != "" {
			candidate = current + " " + s
		}
		if len(candidate) <= maxLen {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		if len(s) > maxLen {
			chunks = append(chunks, hardSplit(s, maxLen)...)
			current = ""
		} else {
			current = s
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// hardSplit cuts s into maxLen-byte pieces without breaking a UTF-8 sequence.
func hardSplit(s string, maxLen int) []string {
	var out []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// pacing rewrites punctuation so the narrator pauses longer for calmer variants.
var pacing = map[string]*strings.Replacer{
	"sleep": strings.NewReplacer(
		". ", ". ... ",
		"? ", "? ... ",
		"! ", "! ... ",
		";", "... ",
		", ", "... ",
	),
	"meditation": strings.NewReplacer(
		". ", ". ........ ",
		"? ", "? ........ ",
		"! ", "! ........ ",
		";", "........ ",
		", ", "......... ",
	),
	"energy": strings.NewReplacer(
		";", ", ",
	),
}

// ApplyPacing adjusts pauses for variant. Other variants are returned unchanged.
func ApplyPacing(text, variant string) string {
	r, ok := pacing[strings.ToLower(variant)]
	if !ok {
		return text
	}
	return r.Replace(text)
}
