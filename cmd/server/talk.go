package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/RichardoC/confessional/internal/chat"
	"github.com/RichardoC/confessional/internal/llm"
	"github.com/RichardoC/confessional/internal/models"
	"github.com/RichardoC/confessional/internal/render"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func runTalk(cmd *cobra.Command, v *viper.Viper, cfgFile string, width int, style string) error {
	cfg, logger, err := setup(v, cfgFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	backend, err := llm.New(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	session, err := backend.NewSession(ctx, cfg.Persona.SystemInstruction)
	if err != nil {
		return err
	}
	renderer, err := render.NewTerminal(width, style)
	if err != nil {
		return err
	}

	store := chat.NewStore(renderer, logger)
	ctrl := chat.NewController(uuid.NewString(), store, session, cfg.Persona, logger)
	return talk(ctx, ctrl, cmd.InOrStdin(), cmd.OutOrStdout())
}

// talk reads one line per turn from in and prints each finished reply.
func talk(ctx context.Context, ctrl *chat.Controller, in io.Reader, out io.Writer) error {
	ctrl.Enter()
	printLast(out, ctrl.Store())

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if _, ok := ctrl.Submit(ctx, scanner.Text()); ok {
			printLast(out, ctrl.Store())
		}
		fmt.Fprint(out, "> ")
	}
	fmt.Fprintln(out)
	return scanner.Err()
}

func printLast(out io.Writer, store *chat.Store) {
	msgs := store.Messages()
	if len(msgs) == 0 {
		return
	}
	msg := msgs[len(msgs)-1]
	body := msg.Text
	if msg.Mode == models.ModeFormatted {
		body = msg.Rendered
	}
	fmt.Fprintf(out, "%s:\n%s\n\n", msg.Sender, body)
}
