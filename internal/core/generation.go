package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

const (
	imagePromptTemplate = "High quality detailed image of: %s. Cinematic, professional, elite ZOHAIBXNO18 style."

	DefaultImageCaption = "ZOHAIBXNO18: Lo bhai, tasveer ready hai. Check kar."
	EmptyResponseText   = "ZOHAIBXNO18: Response nahi aaya bhai, thora wait kar."
)

var (
	ErrActivationNeeded = errors.New("activation needed")
	ErrRateLimited      = errors.New("rate limited")
	ErrTransient        = errors.New("generation failed")
	// ErrNoImage means an image request produced no inline image; callers fall back to text.
	ErrNoImage = errors.New("no image returned")
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindActivationNeeded
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindActivationNeeded:
		return "activation_needed"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// GenerationError classifies an upstream failure. It matches ErrActivationNeeded,
// ErrRateLimited or ErrTransient with errors.Is and unwraps to the cause.
type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool {
	switch target {
	case ErrActivationNeeded:
		return e.Kind == KindActivationNeeded
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

var (
	activationSignatures = []string{
		"requested entity was not found", "entity not found",
		"api key not valid", "api_key_invalid", "invalid api key", "api key expired",
	}
	rateLimitSignatures = []string{
		"resource_exhausted", "quota", "rate limit", "too many requests", "429",
	}
)

// ClassifyError maps an upstream error to the failure taxonomy by its message signature.
func ClassifyError(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	for _, sig := range activationSignatures {
		if strings.Contains(msg, sig) {
			return KindActivationNeeded
		}
	}
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return KindRateLimited
		}
	}
	return KindTransient
}

type GeneratorOptions struct {
	HistoryTurns      int
	SearchGrounding   bool
	RequestsPerMinute int // 0 = unlimited
}

// Generator issues image and streaming text requests against an Endpoint.
type Generator struct {
	endpoint     Endpoint
	gate         *Gate
	personas     *persona.Registry
	limiter      *rate.Limiter
	historyTurns int
	grounding    bool
}

func NewGenerator(endpoint Endpoint, gate *Gate, personas *persona.Registry, opts GeneratorOptions) *Generator {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	if opts.HistoryTurns < 0 {
		opts.HistoryTurns = 0
	}
	return &Generator{
		endpoint:     endpoint,
		gate:         gate,
		personas:     personas,
		limiter:      limiter,
		historyTurns: opts.HistoryTurns,
		grounding:    opts.SearchGrounding,
	}
}

type ImageResult struct {
	ImageURL string // data URI
	Caption  string
}

type TextResult struct {
	Text    string
	Sources []store.Source
}

// begin resolves the credential and waits for the rate limiter.
func (g *Generator) begin(ctx context.Context) (string, error) {
	key, ok := g.gate.Credential()
	if !ok {
		return "", &GenerationError{Kind: KindActivationNeeded, Err: errors.New("no credential selected")}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &GenerationError{Kind: KindTransient, Err: err}
	}
	return key, nil
}

func (g *Generator) fail(key string, err error) *GenerationError {
	kind := KindTransient
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		kind = ClassifyError(err)
	}
	if kind == KindActivationNeeded {
		log.Printf("Credential rejected by endpoint, deactivating: %v", err)
		g.gate.Revoke(key)
	}
	return &GenerationError{Kind: kind, Err: err}
}

// GenerateImage sends one image request. Of the returned parts the last inline
// image and the last text win. A response without an image yields ErrNoImage.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (ImageResult, error) {
	key, err := g.begin(ctx)
	if err != nil {
		return ImageResult{}, err
	}

	parts, err := g.endpoint.GenerateImage(ctx, key, fmt.Sprintf(imagePromptTemplate, prompt))
	if err != nil {
		return ImageResult{}, g.fail(key, err)
	}

	var (
		blob    *BlobPart
		caption string
	)
	for _, p := range parts {
		switch v := p.(type) {
		case BlobPart:
			blob = &v
		case TextPart:
			if s := strings.TrimSpace(string(v)); s != "" {
				caption = s
			}
		}
	}
	if blob == nil {
		return ImageResult{}, ErrNoImage
	}
	if caption == "" {
		caption = DefaultImageCaption
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return ImageResult{
		ImageURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(blob.Data),
		Caption:  caption,
	}, nil
}

// GenerateTextStream streams a text answer for prompt. onDelta receives the
// cumulative text after every chunk that added text; it is never handed a bare
// delta. If the stream ends without text, onDelta is called once with a
// fallback message. On failure the text delivered so far is kept in the
// result and the error is a *GenerationError. Without a credential the
// endpoint is not called.
func (g *Generator) GenerateTextStream(ctx context.Context, prompt string, history []store.Message, personaID string, onDelta func(string)) (TextResult, error) {
	key, err := g.begin(ctx)
	if err != nil {
		return TextResult{}, err
	}

	p := g.personas.Get(personaID)
	req := TextRequest{
		SystemInstruction: p.Instruction,
		History:           g.historyWindow(history),
		Prompt:            prompt,
		SearchGrounding:   g.grounding,
	}

	last := ""
	acc, err := Accumulate(ctx, g.endpoint.StreamText(ctx, key, req), func(text string, _ []store.Source) {
		if text != last && onDelta != nil {
			onDelta(text)
		}
		last = text
	})
	if err != nil {
		return TextResult{Text: acc.Text, Sources: acc.Sources}, g.fail(key, err)
	}

	if acc.Text == "" {
		acc.Text = EmptyResponseText
		if onDelta != nil {
			onDelta(acc.Text)
		}
	}
	return TextResult{Text: acc.Text, Sources: acc.Sources}, nil
}

func (g *Generator) historyWindow(history []store.Message) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Text: m.Text})
	}
	if len(turns) > g.historyTurns {
		turns = turns[len(turns)-g.historyTurns:]
	}
	return turns
}
