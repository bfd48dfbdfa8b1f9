package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/martinemde/itinerary/agentloop"
	"github.com/martinemde/itinerary/app"
	"github.com/martinemde/itinerary/chatapi"
)

type chatOptions struct {
	user    string
	session string
	name    string
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, opts, map[string]string{
				"store": "store.driver",
				"dsn":   "store.dsn",
				"model": "llm.model",
			})
			if err != nil {
				return err
			}
			settings.Events.Enabled = false

			a, err := app.New(cmd.Context(), settings, app.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			defer a.Close()

			session := co.session
			if session == "" {
				session = uuid.NewString()
			}
			id := agentloop.SessionIdentity{UserID: co.user, SessionID: session, UserName: co.name}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s (empty line or ctrl-d to quit)\n", id.Key())
			return repl(cmd.Context(), a.Controller(), id, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&co.user, "user", "local", "User id for the session")
	f.StringVar(&co.session, "session", "", "Session id (default: a new random id)")
	f.StringVar(&co.name, "name", "", "Display name passed to the assistant")
	f.String("store", "", "Session store driver (memory, sqlite)")
	f.String("dsn", "", "SQLite DSN for the sqlite store")
	f.String("model", "", "Model id")
	return cmd
}

// repl runs one turn per input line until EOF or an empty line. Turn
// failures are printed and the session stays open.
func repl(ctx context.Context, runner chatapi.Runner, id agentloop.SessionIdentity, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}

		result, err := runner.Run(ctx, id, line)
		switch {
		case errors.Is(err, agentloop.ErrRecursionLimitExceeded):
			fmt.Fprintf(out, "[aborted] %v\n", err)
		case errors.Is(err, agentloop.ErrSessionIdentityMissing):
			return err
		case err != nil:
			fmt.Fprintf(out, "[error] %v\n", err)
		default:
			fmt.Fprintln(out, result.Reply)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
