package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/zohaibxno18/zx-chat/internal/store"
)

// streamPrinter writes a cumulative reply to w, printing only what was not
// printed before.
type streamPrinter struct {
	w       io.Writer
	printed string
}

func (p *streamPrinter) update(text string) {
	if strings.HasPrefix(text, p.printed) {
		io.WriteString(p.w, text[len(p.printed):])
	} else {
		// The reply was rewritten; start it over on a fresh line.
		io.WriteString(p.w, "\n"+text)
	}
	p.printed = text
}

// saveDataURI decodes a base64 data URI and writes it to dir/name.<ext>.
func saveDataURI(dir, name, uri string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("not a base64 data URI")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	ext := ".img"
	mimeType := strings.TrimSuffix(header, ";base64")
	switch mimeType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	default:
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	path := filepath.Join(dir, name+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}

// chatMarkdown renders a stored chat as a markdown transcript.
func chatMarkdown(chat *store.Chat, aiName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", chat.Title)
	fmt.Fprintf(&b, "_%s · persona `%s` · %d messages_\n\n",
		time.UnixMilli(chat.CreatedAt).Format("2006-01-02 15:04"), chat.PersonaID, len(chat.Messages))

	for _, m := range chat.Messages {
		if m.Role == store.RoleUser {
			b.WriteString("### You\n\n")
		} else {
			fmt.Fprintf(&b, "### %s\n\n", aiName)
		}
		if m.Text != "" {
			b.WriteString(m.Text)
			b.WriteString("\n\n")
		}
		if m.ImageURL != "" {
			b.WriteString("_[generated image]_\n\n")
		}
		if len(m.Sources) > 0 {
			b.WriteString("**Sources**\n\n")
			for _, s := range m.Sources {
				fmt.Fprintf(&b, "- [%s](%s)\n", s.Title, s.URI)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderMarkdown(content string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}
