package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/policysync/internal/api"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/replication"
)

// DefaultServer is the API address the client commands talk to.
const DefaultServer = "http://localhost:8443"

// ClientOptions holds flags shared by commands that call a running service.
type ClientOptions struct {
	*RootOptions
	Server string

	// HTTPClient overrides the client used for API calls (for testing).
	HTTPClient *http.Client
}

// apiError is a non-2xx response from the service.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Server, "server", DefaultServer, "policysync API address")
}

func (o *ClientOptions) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.Server, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return &apiError{Status: resp.StatusCode, Code: "HTTP", Message: resp.Status}
		}
		return &apiError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// report turns a call error into command output and an exit code.
func report(f *OutputFormatter, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		_ = f.Error(ae.Code, ae.Message, map[string]int{"http_status": ae.Status})
		return WrapExitError(ExitFailure, ae.Code, err)
	}
	_ = f.Error("UNREACHABLE", err.Error(), nil)
	return WrapExitError(ExitCommandError, "failed to reach service", err)
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	ClientOptions
	Source          string
	SourceURL       string
	Targets         []string
	ArtifactID      string
	ArtifactName    string
	TargetName      string
	EnforcementMode string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a replication request",
		Long: `Ask a running service to replicate a policy to one or more targets.

The policy comes either from a source node (--source, identified by
--artifact-id or --artifact-name) or from a URL (--url with --name).

Examples:
  policysync submit --source mgr-1 --artifact-name linux-high --target edge-1 --target edge-2
  policysync submit --url https://repo.internal/linux-high.tar.gz --name linux-high --target edge-1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Source, "source", "", "source node")
	cmd.Flags().StringVar(&opts.SourceURL, "url", "", "import from this URL instead of a source node")
	cmd.Flags().StringSliceVarP(&opts.Targets, "target", "t", nil, "target node (repeatable, required)")
	_ = cmd.MarkFlagRequired("target")
	cmd.Flags().StringVar(&opts.ArtifactID, "artifact-id", "", "artifact ID on the source node")
	cmd.Flags().StringVar(&opts.ArtifactName, "artifact-name", "", "artifact name on the source node")
	cmd.Flags().StringVar(&opts.TargetName, "name", "", "name to import under on the targets")
	cmd.Flags().StringVar(&opts.EnforcementMode, "mode", "", "enforcement mode on the targets")

	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	sub := replication.Submission{
		SourceNode:      node.ID(opts.Source),
		SourceURL:       opts.SourceURL,
		ArtifactID:      opts.ArtifactID,
		ArtifactName:    opts.ArtifactName,
		TargetName:      opts.TargetName,
		EnforcementMode: opts.EnforcementMode,
	}
	for _, t := range opts.Targets {
		sub.Targets = append(sub.Targets, node.ID(t))
	}

	var resp api.SubmitResponse
	if err := opts.call(cmd.Context(), http.MethodPost, "/replications", sub, &resp); err != nil {
		return report(formatter, err)
	}

	return formatter.Success(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Accepted %d request(s)\n", len(resp.Requests))
		rows := make([][]string, 0, len(resp.Requests))
		for _, r := range resp.Requests {
			rows = append(rows, []string{r.ID, r.Key().String(), r.TargetName, string(r.State)})
		}
		table(w, []string{"REQUEST", "KEY", "NAME", "STATE"}, rows)
	})
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <node>",
		Short: "Show policies and in-flight requests on a node",
		Long: `Show the policies on a node merged with the requests still tracked
for it. Failed requests stay listed with their error until deleted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runStatus(opts *ClientOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var resp api.StatusResponse
	if err := opts.call(cmd.Context(), http.MethodGet, "/nodes/"+url.PathEscape(target)+"/policies", nil, &resp); err != nil {
		return report(formatter, err)
	}

	return formatter.Success(resp, func(w io.Writer) {
		if resp.LiveError != "" {
			fmt.Fprintf(w, "Warning: showing tracked requests only: %s\n", resp.LiveError)
		}
		if len(resp.Policies) == 0 {
			fmt.Fprintf(w, "No policies on %s.\n", resp.Node)
			return
		}
		rows := make([][]string, 0, len(resp.Policies))
		for _, e := range resp.Policies {
			changed := ""
			if !e.LastChanged.IsZero() {
				changed = e.LastChanged.UTC().Format(time.RFC3339)
			}
			rows = append(rows, []string{e.ID, e.Name, string(e.State), changed, e.Error})
		}
		table(w, []string{"ID", "NAME", "STATE", "LAST CHANGED", "ERROR"}, rows)
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <node> <artifact-id>",
		Short: "Delete a policy from a node or clear a failed request",
		Long: `Delete a policy from a node. If the ID belongs to a failed request the
request is cleared instead and the node is not touched. Requests still in
flight cannot be deleted.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], args[1], cmd)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runDelete(opts *ClientOptions, target, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	path := "/nodes/" + url.PathEscape(target) + "/policies/" + url.PathEscape(id)
	if err := opts.call(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
		return report(formatter, err)
	}

	key := replication.Key{Target: node.ID(target), Artifact: id}
	return formatter.Success(map[string]string{"deleted": key.String()}, func(w io.Writer) {
		fmt.Fprintf(w, "Deleted %s\n", key)
	})
}
