package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/roach88/sqlfwd/internal/progfile"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/server"
)

// DefaultPrimary is the primary address used when --primary is not set.
const DefaultPrimary = "127.0.0.1:5001"

// ClientOptions holds flags shared by commands that talk to a primary.
type ClientOptions struct {
	*RootOptions
	Primary  string
	ClientID string
	Timeout  time.Duration

	// IDs overrides client id generation (for testing).
	IDs server.IDGenerator
}

func (o *ClientOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Primary, "primary", DefaultPrimary, "primary gRPC address")
	cmd.Flags().StringVar(&o.ClientID, "client-id", "", "client id (default: a new UUIDv7)")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 30*time.Second, "request timeout")
}

func (o *ClientOptions) dial(ctx context.Context) (*server.Client, error) {
	var opts []server.ClientOption
	if o.ClientID != "" {
		opts = append(opts, server.WithClientID(o.ClientID))
	}
	if o.IDs != nil {
		opts = append(opts, server.WithIDGenerator(o.IDs))
	}
	return server.Dial(ctx, o.Primary, opts...)
}

func (o *ClientOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}
	var disconnect bool

	cmd := &cobra.Command{
		Use:   "exec <program-file>",
		Short: "Send a program to a primary",
		Long: `Send a program file (.yaml, .json, or .cue) to a primary and print
the results.

Programs sent with the same --client-id share a session, so a transaction
opened by one call stays open for the next. Exits 1 if any step failed.

Example:
  sqlfwd exec --primary 127.0.0.1:5001 insert.yaml
  sqlfwd exec --client-id replica-1 --format json begin.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args[0], disconnect, cmd)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&disconnect, "disconnect", false, "end the session after the program")

	return cmd
}

func runExec(opts *ClientOptions, path string, disconnect bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	p, err := progfile.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load program", err)
	}
	if err := program.Validate(p); err != nil {
		formatter.Error(ErrCodeInvalidProgram, err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid program", err)
	}

	ctx, cancel := opts.context(cmd)
	defer cancel()

	client, err := opts.dial(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	formatter.VerboseLog("Sending %d step(s) to %s as %s", len(p.Steps), opts.Primary, client.ClientID())
	res, err := client.Execute(ctx, p)
	if err != nil {
		formatter.Error(ErrCodeRPC, status.Convert(err).Message(), status.Code(err).String())
		return WrapExitError(ExitFailure, "execute failed", err)
	}

	if disconnect {
		if err := client.Disconnect(ctx); err != nil {
			return WrapExitError(ExitFailure, "disconnect failed", err)
		}
	}

	view := NewResultsView(client.ClientID(), res)
	if err := formatter.Success(view); err != nil {
		return err
	}
	if view.Failed() {
		return NewExitError(ExitFailure, "a step failed")
	}
	return nil
}

// NewDisconnectCommand creates the disconnect command.
func NewDisconnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "End a client's session on a primary",
		Long: `End a client's session on a primary. An open transaction is rolled
back. Disconnecting a client without a session succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDisconnect(opts, cmd)
		},
	}

	opts.addFlags(cmd)
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func runDisconnect(opts *ClientOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	ctx, cancel := opts.context(cmd)
	defer cancel()

	client, err := opts.dial(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	if err := client.Disconnect(ctx); err != nil {
		formatter.Error(ErrCodeRPC, status.Convert(err).Message(), status.Code(err).String())
		return WrapExitError(ExitFailure, "disconnect failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"client_id": client.ClientID()})
	}
	return formatter.Success("Disconnected " + client.ClientID())
}
