package tts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	in := "  Hello\u200B   world\n\n\tagain\uFEFF "
	assert.Equal(t, "Hello world again", NormalizeText(in))
}

func TestContentHashIgnoresFormatting(t *testing.T) {
	a := ContentHash("I am   abundant.\n")
	b := ContentHash("I am abundant.")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, ContentHash("I am abundant!"))
}

func TestChunkTextShortInput(t *testing.T) {
	chunks := ChunkText("One. Two. Three.", 3000)
	assert.Equal(t, []string{"One. Two. Three."}, chunks)
}

func TestChunkTextSentenceBoundaries(t *testing.T) {
	sentence := strings.Repeat("a", 40) + "."
	text := strings.Repeat(sentence+" ", 10)

	chunks := ChunkText(text, 100)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100)
		assert.True(t, strings.HasSuffix(c, "."), "chunk %q should end on a sentence", c)
	}
	assert.Equal(t, NormalizeText(text), strings.Join(chunks, " "))
}

func TestChunkTextHardSplitsLongSentence(t *testing.T) {
	long := strings.Repeat("b", 250) + "."
	chunks := ChunkText("Short one. "+long+" Tail.", 100)

	assert.Equal(t, "Short one.", chunks[0])
	assert.Equal(t, strings.Repeat("b", 100), chunks[1])
	assert.Equal(t, strings.Repeat("b", 100), chunks[2])
	assert.Equal(t, strings.Repeat("b", 50)+".", chunks[3])
	assert.Equal(t, "Tail.", chunks[4])
}

func TestHardSplitKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("é", 10) // 20 bytes
	parts := hardSplit(s, 5)
	for _, p := range parts {
		assert.True(t, len(p) <= 5)
		assert.Equal(t, 0, len(p)%2, "part %q split a rune", p)
	}
	assert.Equal(t, s, strings.Join(parts, ""))
}

func TestApplyPacing(t *testing.T) {
	text := "Breathe in. Hold, and release; relax! Ready? Go"

	assert.Equal(t, "Breathe in. ... Hold... and release...  relax! ... Ready? ... Go", ApplyPacing(text, "sleep"))
	assert.Equal(t, "Breathe in. Hold, and release,  relax! Ready? Go", ApplyPacing(text, "energy"))
	assert.Equal(t, text, ApplyPacing(text, "standard"))
	assert.Contains(t, ApplyPacing(text, "Meditation"), "in. ........ Hold")
}

func TestLookupVoice(t *testing.T) {
	v, ok := LookupVoice(" Nova ")
	require.True(t, ok)
	assert.Equal(t, "nova", v.ID)

	_, ok = LookupVoice("robot")
	assert.False(t, ok)
	assert.NotEmpty(t, Voices())
}
