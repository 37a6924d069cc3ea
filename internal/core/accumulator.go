package core

import (
	"context"
	"iter"
	"strings"

	"github.com/zohaibxno18/zx-chat/internal/store"
)

// StreamChunk is one partial response from a streaming generation call.
// Either field may be empty.
type StreamChunk struct {
	Text    string
	Sources []store.Source
}

// Accumulation is the running state of a consumed stream.
type Accumulation struct {
	Text    string
	Sources []store.Source
}

// Accumulate consumes stream element by element, concatenating text deltas in
// arrival order and collecting sources deduplicated by URI in first-seen order.
//
// onUpdate receives the cumulative text, never the delta, after every element
// that changed the state. The text never shrinks: a call after a text delta
// extends the previous text, and a call caused only by new sources repeats it.
// onUpdate runs synchronously before the next element is pulled.
//
// When ctx is cancelled the upstream iterator is abandoned and the partial
// accumulation is returned together with ctx.Err(). A stream error is returned
// the same way.
func Accumulate(ctx context.Context, stream iter.Seq2[StreamChunk, error], onUpdate func(text string, sources []store.Source)) (Accumulation, error) {
	var (
		text    strings.Builder
		sources []store.Source
		seen    = make(map[string]struct{})
	)
	snapshot := func() Accumulation {
		return Accumulation{Text: text.String(), Sources: sources}
	}

	if err := ctx.Err(); err != nil {
		return snapshot(), err
	}

	for chunk, err := range stream {
		if err != nil {
			return snapshot(), err
		}
		if err := ctx.Err(); err != nil {
			return snapshot(), err
		}

		changed := false
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			changed = true
		}
		for _, src := range chunk.Sources {
			if src.URI == "" {
				continue
			}
			if _, dup := seen[src.URI]; dup {
				continue
			}
			seen[src.URI] = struct{}{}
			if src.Title == "" {
				src.Title = "Source"
			}
			sources = append(sources, src)
			changed = true
		}

		if changed && onUpdate != nil {
			onUpdate(text.String(), append([]store.Source(nil), sources...))
		}
	}

	// A stream that ends because ctx was cancelled may stop without an error.
	if err := ctx.Err(); err != nil {
		return snapshot(), err
	}
	return snapshot(), nil
}
