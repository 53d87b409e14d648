package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlfwd/internal/config"
	"github.com/roach88/sqlfwd/internal/meta"
	"github.com/roach88/sqlfwd/internal/primary"
)

// BlockOptions holds flags for the block command.
type BlockOptions struct {
	*RootOptions
	DataDir string
	Reads   bool
	Writes  bool
	Reason  string
	Clear   bool
}

// BlockStatus is the output of block.
type BlockStatus struct {
	BlockReads  bool   `json:"block_reads"`
	BlockWrites bool   `json:"block_writes"`
	BlockReason string `json:"block_reason,omitempty"`
}

func (s BlockStatus) String() string {
	if !s.BlockReads && !s.BlockWrites {
		return "reads and writes allowed"
	}
	var blocked string
	switch {
	case s.BlockReads && s.BlockWrites:
		blocked = "reads and writes blocked"
	case s.BlockReads:
		blocked = "reads blocked"
	default:
		blocked = "writes blocked"
	}
	if s.BlockReason != "" {
		return fmt.Sprintf("%s: %s", blocked, s.BlockReason)
	}
	return blocked
}

// NewBlockCommand creates the block command.
func NewBlockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BlockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "block",
		Short: "Block or allow reads and writes",
		Long: `Edit the persisted database access policy. Blocked statements fail
with an SQL error naming the reason. The primary reads the policy when it
starts, so run this while it is stopped.

Without flags, prints the current policy.

Example:
  sqlfwd block --data-dir ./sqlfwd-data --writes --reason "disk full"
  sqlfwd block --data-dir ./sqlfwd-data --clear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlock(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "server data directory (default: from config)")
	cmd.Flags().BoolVar(&opts.Reads, "reads", false, "block read statements")
	cmd.Flags().BoolVar(&opts.Writes, "writes", false, "block write statements")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason reported to clients")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "allow reads and writes")
	cmd.MarkFlagsMutuallyExclusive("clear", "reads")
	cmd.MarkFlagsMutuallyExclusive("clear", "writes")
	cmd.MarkFlagsMutuallyExclusive("clear", "reason")

	return cmd
}

func runBlock(opts *BlockOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	dataDir := opts.DataDir
	if dataDir == "" {
		cfg, err := config.Load(opts.Config, nil)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		dataDir = cfg.DataDir
	}

	store, err := meta.Open(filepath.Join(dataDir, primary.MetaDir), nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open metadata store", err)
	}
	defer store.Close()

	cfg, err := store.DatabaseConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read policy", err)
	}

	flags := cmd.Flags()
	changed := flags.Changed("reads") || flags.Changed("writes") || flags.Changed("reason") || opts.Clear
	if changed {
		if opts.Clear {
			cfg = meta.DatabaseConfig{}
		} else {
			if flags.Changed("reads") {
				cfg.BlockReads = opts.Reads
			}
			if flags.Changed("writes") {
				cfg.BlockWrites = opts.Writes
			}
			if flags.Changed("reason") {
				cfg.BlockReason = opts.Reason
			}
		}
		if err := store.SetDatabaseConfig(cfg); err != nil {
			return WrapExitError(ExitCommandError, "failed to write policy", err)
		}
	}

	return formatter.Success(BlockStatus{
		BlockReads:  cfg.BlockReads,
		BlockWrites: cfg.BlockWrites,
		BlockReason: cfg.BlockReason,
	})
}
