package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"nexbridge/internal/history"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message to the agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if stream {
				return runChatStream(root, message)
			}
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			var out struct {
				Response string `json:"response"`
			}
			if err := b.Call(ctx, "chat.send", map[string]any{"message": message}, &out); err != nil {
				return err
			}
			printOutput(out.Response)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the reply chunk by chunk")
	return cmd
}

func runChatStream(root *rootOptions, message string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	dialCtx, dialCancel := context.WithTimeout(ctx, root.conn.Timeout)
	b, err := root.dial(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}
	defer b.Close()

	// Subscribe before the request so the first chunks cannot slip past us.
	eventsCh := b.Events()

	var start struct {
		MessageID string `json:"messageId"`
	}
	callCtx, callCancel := context.WithTimeout(ctx, root.conn.Timeout)
	err = b.Call(callCtx, "chat.stream", map[string]any{"message": message}, &start)
	callCancel()
	if err != nil {
		return err
	}

	printer := newStreamPrinter(os.Stdout, os.Stderr, term.IsTerminal(int(os.Stdout.Fd())))
	printer.startSpinner()
	defer printer.Close()

	var streamErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-eventsCh:
			if !ok {
				return errors.New("bridge connection closed")
			}
			done, err := printer.Handle(start.MessageID, ev)
			if err != nil {
				streamErr = err
			}
			if done {
				return streamErr
			}
		}
	}
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the chat transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			b, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if clear {
				if err := b.Call(ctx, "chat.clear", nil, nil); err != nil {
					return err
				}
				fmt.Println("history cleared")
				return nil
			}
			var out struct {
				Messages []history.Message `json:"messages"`
			}
			if err := b.Call(ctx, "chat.history", nil, &out); err != nil {
				return err
			}
			for _, m := range out.Messages {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the transcript instead of printing it")
	return cmd
}
