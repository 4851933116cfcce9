package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"OpenCRM-Dialog/sdk/go/crmdialog"
)

type options struct {
	server       string
	user         string
	conversation string
	asJSON       bool
	httpClient   *http.Client
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "crmctl",
		Short:         "Talk to the CRM dialogue service from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOrDefault("CRMDIALOG_SERVER", "http://localhost:8080"), "dialogue service base URL")
	flags.StringVar(&opts.user, "user", envOrDefault("CRMDIALOG_USER", ""), "user id sent in the X-User-ID header")
	flags.StringVarP(&opts.conversation, "conversation", "c", envOrDefault("CRMDIALOG_CONVERSATION", ""), "conversation id")
	flags.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newSendCmd(opts),
		newChatCmd(opts),
		newShowCmd(opts),
		newCancelCmd(opts),
	)
	return rootCmd
}

func (o *options) client() (*crmdialog.Client, error) {
	if o.user == "" {
		return nil, errors.New("a user id is required: pass --user or set CRMDIALOG_USER")
	}
	return crmdialog.NewClient(o.server, o.user, o.httpClient)
}

func (o *options) requireConversation() error {
	if o.conversation == "" {
		return errors.New("a conversation id is required: pass --conversation")
	}
	return nil
}

func newSendCmd(opts *options) *cobra.Command {
	var voice bool
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireConversation(); err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			reply, err := client.Send(cmd.Context(), opts.conversation, strings.Join(args, " "), voice)
			if err != nil {
				return err
			}
			return writeReply(cmd.OutOrStdout(), reply, opts.asJSON)
		},
	}
	cmd.Flags().BoolVar(&voice, "voice", false, "request a voice-friendly reply")
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	var voice bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation (type 'exit' to quit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if opts.conversation == "" {
				opts.conversation = uuid.NewString()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversation %s\n", opts.conversation)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				reply, err := client.Send(cmd.Context(), opts.conversation, line, voice)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				if err := writeReply(out, reply, opts.asJSON); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&voice, "voice", false, "request voice-friendly replies")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the conversation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireConversation(); err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			conv, err := client.Conversation(cmd.Context(), opts.conversation)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return writeJSON(out, conv)
			}
			fmt.Fprintf(out, "conversation: %s\nmessages: %d\nauto-execute: %t\n", conv.ConversationID, conv.HistorySize, conv.AutoExecute)
			if conv.Focus != nil {
				fmt.Fprintf(out, "focus: %s %s\n", conv.Focus.Kind, conv.Focus.ID)
			}
			if conv.Pending != nil {
				fmt.Fprintf(out, "pending: %s (%s)\n", conv.Pending.ToolName, conv.Pending.ConfirmationPrompt)
			}
			return nil
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Discard the pending confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireConversation(); err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			cancelled, err := client.CancelPending(cmd.Context(), opts.conversation)
			if err != nil {
				return err
			}
			if cancelled {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "pending action cancelled")
			} else {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing was pending")
			}
			return err
		},
	}
}

func writeReply(out io.Writer, reply crmdialog.Reply, asJSON bool) error {
	if asJSON {
		return writeJSON(out, reply)
	}
	fmt.Fprintln(out, reply.Answer)
	if reply.RequiresApproval && reply.Pending != nil {
		fmt.Fprintf(out, "  [awaiting approval: %s]\n", reply.Pending.ToolName)
	}
	for _, suggestion := range reply.Suggestions {
		fmt.Fprintf(out, "  - %s\n", suggestion)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
