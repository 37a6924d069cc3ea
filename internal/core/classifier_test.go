package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zohaibxno18/zx-chat/internal/config"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(config.DefaultImageKeywords, 80)

	tests := []struct {
		name     string
		prompt   string
		expected Modality
	}{
		{name: "english_draw", prompt: "draw a red cube", expected: ModalityImage},
		{name: "uppercase_keyword", prompt: "SHOW ME a sunset", expected: ModalityImage},
		{name: "urdu_banao", prompt: "ek sher ki tasveer banao", expected: ModalityImage},
		{name: "hindi_dikhao", prompt: "mujhe lahore dikhao", expected: ModalityImage},
		{name: "no_keyword", prompt: "What's today's weather in Lahore?", expected: ModalityText},
		{name: "empty", prompt: "", expected: ModalityText},
		// Substring matching is part of the heuristic.
		{name: "substring_false_positive", prompt: "an epic topic", expected: ModalityImage},
		{name: "keyword_at_limit", prompt: "draw " + strings.Repeat("x", 75), expected: ModalityText},
		{name: "keyword_below_limit", prompt: "draw " + strings.Repeat("x", 74), expected: ModalityImage},
		{name: "long_image_request_degrades", prompt: "please generate a picture of " + strings.Repeat("mountains ", 10), expected: ModalityText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Classify(tt.prompt))
		})
	}
}

func TestClassifyCountsRunes(t *testing.T) {
	c := NewClassifier([]string{"draw"}, 10)
	// 9 runes, more than 10 bytes.
	assert.Equal(t, ModalityImage, c.Classify("draw ñññü"))
}

func TestClassifyLengthAlwaysWins(t *testing.T) {
	c := NewClassifier(config.DefaultImageKeywords, 80)
	for n := 80; n < 200; n += 17 {
		prompt := strings.Repeat("image ", n/6+1)[:n]
		assert.Equal(t, ModalityText, c.Classify(prompt), "length %d", n)
	}
}

func TestNewClassifierNormalizesKeywords(t *testing.T) {
	c := NewClassifier([]string{"  Paint ", "", "   "}, 80)
	assert.Equal(t, ModalityImage, c.Classify("paint me a tree"))
	assert.Equal(t, ModalityText, c.Classify("hello there"))
	assert.Equal(t, "image", ModalityImage.String())
	assert.Equal(t, "text", ModalityText.String())
}
