package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/zohaibxno18/zx-chat/internal/core"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

var chatHelp = [][2]string{
	{"/new", "start a new chat"},
	{"/persona [id]", "show personas or switch persona"},
	{"/chats", "list saved chats"},
	{"/open <id>", "continue a saved chat"},
	{"/key", "choose a different API key"},
	{"/help", "show this help"},
	{"/quit", "exit (Ctrl+D works too)"},
}

func writeHelp(w io.Writer) {
	for _, h := range chatHelp {
		fmt.Fprintf(w, "%s %s\n", promptStyle.Render(fmt.Sprintf("%-16s", h[0])), h[1])
	}
	printInfo(w, "Ctrl+C while a reply streams stops it.")
}

// linerPicker asks for an API key on the terminal without echoing it.
func linerPicker(line *liner.State, out io.Writer) core.Picker {
	return core.PickerFunc(func(ctx context.Context) (string, error) {
		printInfo(out, "Paste a Gemini API key (https://aistudio.google.com/apikey). Empty input cancels.")
		key, err := line.PasswordPrompt("API key: ")
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", nil
		}
		return key, err
	})
}

type chatSession struct {
	app       *app
	line      *liner.State
	out       io.Writer
	chatID    string
	personaID string
	imageDir  string
}

func historyFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "zx-chat", "input_history")
}

func (s *chatSession) loadInputHistory() {
	if f, err := os.Open(historyFile()); err == nil {
		s.line.ReadHistory(f)
		f.Close()
	}
}

func (s *chatSession) saveInputHistory() {
	path := historyFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	s.line.WriteHistory(f)
}

func (s *chatSession) banner() {
	p := s.app.personas.Get(s.personaID)
	text := boldStyle.Render("ZOHAIBXNO18") + "  " + infoStyle.Render("persona: "+p.Name)
	if s.chatID != "" {
		text += infoStyle.Render("  chat: " + s.chatID)
	}
	fmt.Fprintln(s.out, bannerStyle.Render(text))
	printInfo(s.out, "Type /help for commands.")
}

func (s *chatSession) run(ctx context.Context) error {
	s.loadInputHistory()
	defer s.saveInputHistory()
	s.banner()

	for {
		input, err := s.line.Prompt("you> ")
		if err != nil {
			// Ctrl+C at the prompt or Ctrl+D.
			fmt.Fprintln(s.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			more, err := s.handleSlash(ctx, input)
			if err != nil {
				printError(s.out, "%v", err)
			}
			if !more {
				return nil
			}
			continue
		}

		if err := s.submit(ctx, input); err != nil {
			printError(s.out, "%v", err)
		}
	}
}

func (s *chatSession) handleSlash(ctx context.Context, input string) (bool, error) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/q", "/exit":
		return false, nil
	case "/help", "/h":
		writeHelp(s.out)
	case "/new":
		s.chatID = ""
		printInfo(s.out, "Started a new chat.")
	case "/persona":
		if arg == "" {
			writePersonas(s.out, s.app.personas, s.app.personas.Get(s.personaID).ID)
			return true, nil
		}
		p, ok := s.app.personas.Lookup(arg)
		if !ok {
			return true, fmt.Errorf("unknown persona %q", arg)
		}
		s.personaID = p.ID
		printInfo(s.out, "Persona is now %s.", p.Name)
	case "/chats":
		chats, err := s.app.chats.GetChats(s.app.user.UID)
		if err != nil {
			return true, err
		}
		writeChatList(s.out, chats)
	case "/open":
		if arg == "" {
			return true, fmt.Errorf("usage: /open <chat id>")
		}
		chat, err := s.app.chats.GetChat(s.app.user.UID, arg)
		if err != nil {
			return true, err
		}
		s.chatID = chat.ChatID
		s.personaID = chat.PersonaID
		fmt.Fprint(s.out, renderMarkdown(chatMarkdown(chat, s.app.personas.Get(chat.PersonaID).Name)))
	case "/key":
		if err := s.app.gate.RequestActivation(ctx); err != nil {
			return true, err
		}
		printInfo(s.out, "Key updated.")
	default:
		return true, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return true, nil
}

// submit sends prompt, asking for a key first when none is active. A key the
// endpoint rejects mid-turn gets one more chance.
func (s *chatSession) submit(ctx context.Context, prompt string) error {
	for attempt := 0; attempt < 2; attempt++ {
		if !s.app.gate.HasCredential() {
			printWarning(s.out, "No API key is active.")
			if err := s.app.gate.RequestActivation(ctx); err != nil {
				return err
			}
		}
		err := s.send(ctx, prompt)
		if !errors.Is(err, core.ErrActivationNeeded) {
			return err
		}
		printWarning(s.out, "The API key was rejected.")
	}
	return core.ErrActivationNeeded
}

func (s *chatSession) send(ctx context.Context, prompt string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	name := s.app.personas.Get(s.personaID).Name
	printer := &streamPrinter{w: s.out}
	chat, err := s.app.chats.SendMessage(turnCtx, core.TurnRequest{
		UID:       s.app.user.UID,
		ChatID:    s.chatID,
		PersonaID: s.personaID,
		Prompt:    prompt,
	}, func(ev core.TurnEvent) {
		switch ev.Type {
		case core.EventStarted:
			fmt.Fprint(s.out, aiStyle.Render(name+"> "))
		case core.EventDelta:
			printer.update(ev.Text)
		case core.EventImage:
			printer.update(ev.Text)
			path, err := saveDataURI(s.imageDir, ev.MessageID, ev.ImageURL)
			if err != nil {
				fmt.Fprintln(s.out)
				printError(s.out, "%v", err)
				return
			}
			fmt.Fprintln(s.out)
			printInfo(s.out, "Image saved to %s", path)
		}
	})
	fmt.Fprintln(s.out)
	if err != nil {
		return err
	}

	s.chatID = chat.ChatID
	s.personaID = chat.PersonaID
	writeSources(s.out, chat.Messages[len(chat.Messages)-1].Sources)
	return nil
}

func writeSources(w io.Writer, sources []store.Source) {
	if len(sources) == 0 {
		return
	}
	printInfo(w, "Sources:")
	for i, src := range sources {
		fmt.Fprintf(w, "  %d. %s %s\n", i+1, src.Title, sourceStyle.Render(src.URI))
	}
}
