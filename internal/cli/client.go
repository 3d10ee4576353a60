package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/g960059/nomadflow/internal/appclient"
)

func (r *Runner) reposCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List repositories known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			resp, err := r.client(cfg).ListRepos(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(resp)
			}
			if len(resp.Repos) == 0 {
				_, _ = fmt.Fprintln(r.out, "no repositories")
				return nil
			}
			tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tBRANCH\tPATH")
			for _, repo := range resp.Repos {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", repo.Name, repo.Branch, repo.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) featuresCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "features <repo>",
		Short: "List the features (worktrees) of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			repo, err := resolveRepoArg(cfg, args[0])
			if err != nil {
				return err
			}
			resp, err := r.client(cfg).ListFeatures(cmd.Context(), repo)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(resp)
			}
			tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "\tNAME\tBRANCH\tPATH")
			for _, f := range resp.Features {
				marker := ""
				if f.IsActive {
					marker = "*"
				}
				name := f.Name
				if f.IsMain {
					name += " (main)"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, name, f.Branch, f.WorktreePath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) switchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <repo> <feature>",
		Short: "Focus a feature's tmux window, creating the feature if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			repo, err := resolveRepoArg(cfg, args[0])
			if err != nil {
				return err
			}
			resp, err := r.client(cfg).SwitchFeature(cmd.Context(), repo, args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "switched to %s (%s)\n", resp.TmuxWindow, resp.WorktreePath)
			if resp.HasRunningProcess {
				_, _ = fmt.Fprintln(r.out, "a process is running in this window; no keys were sent")
			}
			return nil
		},
	}
}

func (r *Runner) actionsCommand() *cobra.Command {
	var (
		opts    appclient.ActionsOptions
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show recent mutating requests from the action ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			if opts.RepoPath != "" {
				if opts.RepoPath, err = resolveRepoArg(cfg, opts.RepoPath); err != nil {
					return err
				}
			}
			resp, err := r.client(cfg).ListActions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(resp)
			}
			if len(resp.Actions) == 0 {
				_, _ = fmt.Fprintln(r.out, "no actions")
				return nil
			}
			tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "REQUESTED\tTYPE\tRESULT\tTARGET\tERROR")
			for _, a := range resp.Actions {
				target := a.WindowName
				if target == "" {
					target = a.FeatureName
				}
				if target == "" {
					target = a.RepoPath
				}
				errText := ""
				if a.ErrorCode != nil {
					errText = *a.ErrorCode
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.RequestedAt, a.ActionType, a.ResultCode, target, strings.TrimSpace(errText))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of actions")
	cmd.Flags().StringVar(&opts.ActionType, "type", "", "filter by type (clone, create, delete, switch, attach)")
	cmd.Flags().StringVar(&opts.RepoPath, "repo", "", "filter by repository name or path")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
