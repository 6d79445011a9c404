package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	chatModel "github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
	"github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
)

const terminalClient = "terminal"

func chatCmd() *cobra.Command {
	var personaID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with GreenBot in the terminal",
		Long: `Runs an anonymous session against the local data directory. Type a message
to send it, or one of: /new, /list, /open N, /delete N, /persona ID, /key KEY, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			storage, err := kv.NewFileStore(cfg.Storage.DataDir)
			if err != nil {
				return err
			}

			registry := chat.NewRegistry(chat.RegistryConfig{
				Personas:      persona.NewMemoryStore(persona.Seed()),
				Responder:     ai.NewService(ai.NewClient(cfg.AI)),
				Storage:       storage,
				CredentialKey: cfg.AI.CredentialKey(),
				FallbackKey:   cfg.AI.APIKey,
			})
			defer registry.Close()

			ctx := cmd.Context()
			ctrl, err := registry.Get(ctx, terminalClient)
			if err != nil {
				return err
			}
			if personaID != "" {
				if _, err := ctrl.ChangePersona(ctx, persona.ID(personaID)); err != nil {
					return err
				}
			}
			return repl(ctx, ctrl, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&personaID, "persona", "", "persona to start with (greenbot, lifestyle, waste, nature, energy, climate)")
	return cmd
}

func repl(ctx context.Context, ctrl *chat.Controller, in io.Reader, out io.Writer) error {
	printConversation(out, ctrl.Snapshot())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			reply, err := ctrl.SendMessage(ctx, line)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", reply.Persona, reply.Content)
			continue
		}

		command, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch command {
		case "/quit", "/exit":
			return nil
		case "/new":
			printConversation(out, ctrl.NewChat(ctx))
		case "/list":
			printHistory(out, ctrl.Snapshot())
		case "/open", "/delete":
			id, ok := historyID(ctrl.Snapshot(), arg)
			if !ok {
				fmt.Fprintln(out, "no conversation", arg)
				continue
			}
			var err error
			if command == "/open" {
				err = ctrl.SelectChat(ctx, id)
			} else {
				err = ctrl.DeleteChat(ctx, id)
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			printConversation(out, ctrl.Snapshot())
		case "/persona":
			snap, err := ctrl.ChangePersona(ctx, persona.ID(arg))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			last := snap.Messages[len(snap.Messages)-1]
			fmt.Fprintf(out, "%s: %s\n", last.Persona, last.Content)
		case "/key":
			if err := ctrl.SetAPIKey(ctx, arg); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "API key saved")
		default:
			fmt.Fprintln(out, "unknown command", command)
		}
	}
}

func historyID(snap chat.Snapshot, arg string) (string, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(snap.History) {
		return "", false
	}
	return snap.History[n-1].ID, true
}

func printHistory(out io.Writer, snap chat.Snapshot) {
	if len(snap.History) == 0 {
		fmt.Fprintln(out, "no conversations yet")
		return
	}
	for i, item := range snap.History {
		marker := " "
		if item.Selected {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d. %s (%s)\n", marker, i+1, item.Title, item.Date)
	}
}

func printConversation(out io.Writer, snap chat.Snapshot) {
	for _, msg := range snap.Messages {
		if msg.Sender == chatModel.SenderUser {
			fmt.Fprintf(out, "you: %s\n", msg.Content)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", msg.Persona, msg.Content)
	}
}

