package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/zohaibxno18/zx-chat/internal/config"
	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
	"github.com/zohaibxno18/zx-chat/internal/utils"
)

type rootOptions struct {
	dbPath  string
	verbose bool
	cfg     config.Config
}

// Execute runs the zxctl command tree.
func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "zxctl",
		Short: "ZOHAIBXNO18 chat in the terminal",
		Long: `Chat with the ZOHAIBXNO18 assistant from the terminal. Replies stream as they
are generated, image requests are saved to disk, and every chat is kept in the
local history database.`,
		Example: `  # Start chatting
  $ zxctl chat

  # Continue a saved chat with another persona
  $ zxctl chat --chat <id> --persona coder

  # Read a saved chat
  $ zxctl history show <id>`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			if !opts.verbose {
				log.SetOutput(io.Discard)
			}
			config.LoadConfig()
			if config.AppConfig.LogLevel == "DEBUG" {
				log.SetOutput(os.Stderr)
			}
			opts.cfg = config.AppConfig
			if opts.dbPath != "" {
				opts.cfg.DatabaseURL = opts.dbPath
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "chat history database (overrides DATABASE_URL)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log diagnostics to stderr")

	root.AddCommand(newChatCmd(opts), newHistoryCmd(opts), newPersonasCmd(opts))
	return root
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		chatID    string
		personaID string
		imageDir  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			out := cmd.OutOrStdout()
			a, err := openApp(opts.cfg, linerPicker(line, out))
			if err != nil {
				return err
			}
			defer a.Close()

			if personaID != "" {
				if _, ok := a.personas.Lookup(personaID); !ok {
					return fmt.Errorf("unknown persona %q", personaID)
				}
			}
			if chatID != "" {
				chat, err := a.chats.GetChat(a.user.UID, chatID)
				if err != nil {
					return err
				}
				if personaID == "" {
					personaID = chat.PersonaID
				}
			}

			s := &chatSession{
				app:       a,
				line:      line,
				out:       out,
				chatID:    chatID,
				personaID: personaID,
				imageDir:  imageDir,
			}
			return s.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "continue the saved chat with this id")
	cmd.Flags().StringVarP(&personaID, "persona", "p", "", "persona to talk to")
	cmd.Flags().StringVar(&imageDir, "image-dir", "zx-images", "where generated images are written")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List, read and delete saved chats",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			chats, err := a.chats.GetChats(a.user.UID)
			if err != nil {
				return err
			}
			writeChatList(cmd.OutOrStdout(), chats)
			return nil
		},
	}

	var raw bool
	show := &cobra.Command{
		Use:   "show <chat id>",
		Short: "Print a saved chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.chats.GetChat(a.user.UID, args[0])
			if err != nil {
				return err
			}
			md := chatMarkdown(chat, a.personas.Get(chat.PersonaID).Name)
			if !raw {
				md = renderMarkdown(md)
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		},
	}
	show.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal styling")

	del := &cobra.Command{
		Use:   "delete <chat id>",
		Short: "Delete one saved chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.chats.DeleteChat(a.user.UID, args[0]); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), "Deleted %s.", args[0])
			return nil
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear history without --yes")
			}
			a, err := openApp(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.chats.ClearAllHistory(a.user.UID); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all chats")

	cmd.AddCommand(list, show, del, clearCmd)
	return cmd
}

func newPersonasCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List available personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			personas, err := persona.Load(opts.cfg.PersonasFile)
			if err != nil {
				return err
			}
			writePersonas(cmd.OutOrStdout(), personas, personas.DefaultID())
			return nil
		},
	}
}

func writePersonas(w io.Writer, personas *persona.Registry, current string) {
	for _, p := range personas.List() {
		marker := "  "
		if p.ID == current {
			marker = "* "
		}
		fmt.Fprintf(w, "%s%-10s %s  %s\n", marker, p.ID, boldStyle.Render(p.Name), infoStyle.Render(p.Description))
	}
}

func writeChatList(w io.Writer, chats []store.Chat) {
	if len(chats) == 0 {
		printInfo(w, "No saved chats.")
		return
	}
	for _, c := range chats {
		fmt.Fprintf(w, "%s  %s  %s %s\n",
			c.ChatID,
			infoStyle.Render(time.UnixMilli(c.CreatedAt).Format("2006-01-02 15:04")),
			utils.Truncate(c.Title, 40),
			infoStyle.Render(fmt.Sprintf("(%d messages)", len(c.Messages))))
	}
}
