package core

import (
	"strings"
	"unicode/utf8"
)

// Modality is the kind of output a prompt asks for.
type Modality int

const (
	ModalityText Modality = iota
	ModalityImage
)

func (m Modality) String() string {
	if m == ModalityImage {
		return "image"
	}
	return "text"
}

// Classifier decides between image and text generation from keyword and
// length heuristics. Misclassification only changes the modality of the answer.
type Classifier struct {
	keywords []string
	maxLen   int
}

// NewClassifier builds a classifier over the given keyword set. Prompts of
// maxLen runes or more are always text requests.
func NewClassifier(keywords []string, maxLen int) *Classifier {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Classifier{keywords: kw, maxLen: maxLen}
}

// Classify returns ModalityImage when the prompt contains a keyword and is
// shorter than the length threshold. Long prompts that clearly ask for an
// image still fall through to text.
func (c *Classifier) Classify(prompt string) Modality {
	if utf8.RuneCountInString(prompt) >= c.maxLen {
		return ModalityText
	}
	p := strings.ToLower(prompt)
	for _, k := range c.keywords {
		if strings.Contains(p, k) {
			return ModalityImage
		}
	}
	return ModalityText
}
