package main

import (
	"github.com/spf13/cobra"

	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/qa"
	"github.com/leeroybrun/edison-sub000/internal/relation"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Validation rounds, bundles, and promotion",
}

var (
	qaScope   string
	qaPreset  string
	qaExecute bool
	qaDryRun  bool
)

func init() {
	qaCmd.AddCommand(qaBundleCmd, qaValidateCmd, qaPromoteCmd)
	qaBundleCmd.Flags().StringVar(&qaScope, "scope", "", "cluster scope (hierarchy|bundle|auto)")
	qaValidateCmd.Flags().StringVar(&qaScope, "scope", "", "cluster scope (hierarchy|bundle|auto)")
	qaValidateCmd.Flags().StringVar(&qaPreset, "preset", "", "preset override (quick|standard|thorough)")
	qaValidateCmd.Flags().BoolVar(&qaExecute, "execute", false, "run the validators (the default)")
	qaValidateCmd.Flags().BoolVar(&qaDryRun, "dry-run", false, "resolve cluster, policy, and roster without executing")
	rootCmd.AddCommand(qaCmd)
}

var qaBundleCmd = &cobra.Command{
	Use:   "bundle <root>",
	Short: "Show the validation cluster a root resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		scope, err := qa.ParseScope(qaScope)
		if err != nil {
			return err
		}
		view, err := relation.NewView(a.Tasks)
		if err != nil {
			return err
		}
		cluster, err := qa.BuildCluster(view, args[0], scope)
		if err != nil {
			return err
		}
		return emit(cmd, cluster, func() {
			out(cmd, "cluster %s (%s): %v\n", cluster.Root, cluster.Scope, cluster.Tasks)
		})
	},
}

var qaValidateCmd = &cobra.Command{
	Use:   "validate <root>",
	Short: "Run (or preview) a validation round over a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if qaExecute && qaDryRun {
			return &errs.ValidationError{
				Subject: "qa validate",
				Reason:  "--execute and --dry-run are mutually exclusive",
			}
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		scope, err := qa.ParseScope(qaScope)
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		outc, err := a.Engine.Validate(cmd.Context(), args[0], qa.ValidateOptions{
			Scope:  scope,
			Preset: qaPreset,
			DryRun: qaDryRun,
			Actor:  actor.String(),
		})
		if err != nil {
			return err
		}
		return emit(cmd, outc, func() {
			out(cmd, "cluster %s (%s): %v\n", outc.Cluster.Root, outc.Cluster.Scope, outc.Cluster.Tasks)
			out(cmd, "preset %s, roster %v\n", outc.Policy.Preset, outc.Roster)
			for _, w := range outc.Warnings {
				out(cmd, "warning: %s\n", w)
			}
			if outc.DryRun {
				out(cmd, "dry run: nothing written\n")
				return
			}
			verdict := "APPROVED"
			if !outc.Summary.Approved {
				verdict = "REJECTED"
			}
			out(cmd, "round %d: %s\n", outc.Round, verdict)
			for _, miss := range outc.Summary.Missing {
				out(cmd, "  failed or missing: %s\n", miss)
			}
		})
	},
}

var qaPromoteCmd = &cobra.Command{
	Use:   "promote <task>",
	Short: "Promote a done task to validated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		e, err := a.Tasks.Transition(cmd.Context(), args[0], "validated", entity.TransitionOptions{Actor: actor.String()})
		if err != nil {
			return err
		}
		return emit(cmd, e, func() {
			out(cmd, "%s is %s\n", e.ID, e.State)
		})
	},
}
