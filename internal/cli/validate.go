package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/policysync/internal/config"
)

// ConfigSummary is what validate reports for a valid config.
type ConfigSummary struct {
	Path       string   `json:"path"`
	LocalNode  string   `json:"local_node"`
	Nodes      []string `json:"nodes"`
	StagingDir string   `json:"staging_dir"`
	Journal    string   `json:"journal,omitempty"`
	Listen     string   `json:"listen"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a config file without starting the service",
		Long: `Validate a YAML or CUE config file against the config schema.

Checks required fields, node URLs, durations and the local node reference
without touching the staging directory, the journal or any node.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	formatter.VerboseLog("Validating %s", path)

	cfg, err := config.Load(path)
	if err != nil {
		code := "CONFIG"
		if !errors.Is(err, config.ErrInvalid) {
			code = "CONFIG_READ"
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, code, err)
	}

	summary := ConfigSummary{
		Path:       path,
		LocalNode:  string(cfg.LocalNode),
		StagingDir: cfg.StagingDir,
		Journal:    cfg.Journal,
		Listen:     cfg.Listen,
	}
	for _, n := range cfg.Nodes {
		summary.Nodes = append(summary.Nodes, string(n.ID))
	}

	return formatter.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Config valid: %d node(s), local node %s\n", len(summary.Nodes), summary.LocalNode)
	})
}
