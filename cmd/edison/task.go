package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/relation"
)

var taskSessionFlag string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task lifecycle, relationships, and planning",
}

func init() {
	taskCmd.PersistentFlags().StringVar(&taskSessionFlag, "session", "", "session id (default: resolved from the environment)")
	taskCmd.AddCommand(taskCreateCmd, taskReadyCmd, taskClaimCmd, taskStatusCmd,
		taskDoneCmd, taskLinkCmd, taskRelateCmd, taskAuditCmd, taskWavesCmd, taskBundleCmd)
	rootCmd.AddCommand(taskCmd)
}

var (
	taskTitle    string
	taskPriority int
)

var taskCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a task in the todo tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		e := &entity.Entity{ID: args[0], Title: taskTitle, Priority: taskPriority}
		if err := a.Tasks.Create(e); err != nil {
			return err
		}
		return emit(cmd, e, func() {
			out(cmd, "created task %s (%s)\n", e.ID, e.State)
		})
	},
}

var taskReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List unclaimed tasks whose dependencies are satisfied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ready, err := a.Ready()
		if err != nil {
			return err
		}
		return emit(cmd, ready, func() {
			for _, t := range ready {
				out(cmd, "%s  %s\n", t.ID, t.Title)
			}
		})
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Claim a task into the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		sid, err := a.Resolver.Resolve(taskSessionFlag)
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		res, err := a.Claim(cmd.Context(), args[0], sid, actor.String())
		if err != nil {
			return err
		}
		if err := a.Sessions.Touch(sid); err != nil {
			cmd.PrintErrf("warning: could not touch session %s: %v\n", sid, err)
		}
		return emit(cmd, res, func() {
			out(cmd, "claimed %s into %s\n%s\n", res.ID, res.Session, res.Path)
		})
	},
}

type taskStatus struct {
	ID            string                `json:"id"`
	Title         string                `json:"title,omitempty"`
	State         string                `json:"state"`
	Session       string                `json:"session,omitempty"`
	Path          string                `json:"path"`
	Relationships []entity.Relationship `json:"relationships,omitempty"`
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a task's state, location, and edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		e, err := a.Tasks.Load(args[0])
		if err != nil {
			return err
		}
		path, err := a.Tasks.Find(e.ID)
		if err != nil {
			return err
		}
		st := taskStatus{
			ID: e.ID, Title: e.Title, State: e.State, Session: e.Session,
			Path: a.Paths.Rel(path), Relationships: e.Relationships,
		}
		return emit(cmd, st, func() {
			out(cmd, "%s: %s  (%s)\n", st.ID, st.State, st.Path)
			for _, r := range st.Relationships {
				out(cmd, "  %s %s\n", r.Type, r.Target)
			}
		})
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a claimed task done",
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
		e, err := a.Tasks.Transition(cmd.Context(), args[0], "done", entity.TransitionOptions{Actor: actor.String()})
		if err != nil {
			return err
		}
		if e.Session != "" {
			if err := a.Sessions.Touch(e.Session); err != nil {
				cmd.PrintErrf("warning: could not touch session %s: %v\n", e.Session, err)
			}
		}
		return emit(cmd, e, func() {
			out(cmd, "%s is %s\n", e.ID, e.State)
		})
	},
}

var taskLinkCmd = &cobra.Command{
	Use:   "link <a> <type> <b>",
	Short: "Add a typed edge between two tasks",
	Long: `Add a typed relationship edge. Inverse edges are maintained
automatically: parent/child and depends_on/blocks are pairs, related is
symmetric, bundle_root is one-sided.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		typ := args[1]
		switch typ {
		case entity.RelParent, entity.RelChild, entity.RelDependsOn,
			entity.RelBlocks, entity.RelRelated, entity.RelBundleRoot:
		default:
			return &errs.ValidationError{
				Subject: "relationship type",
				Reason:  fmt.Sprintf("unknown type %q", typ),
				Remedy:  "use parent, child, depends_on, blocks, related, or bundle_root",
			}
		}
		if err := a.Graph.Add(cmd.Context(), typ, args[0], args[2]); err != nil {
			return err
		}
		out(cmd, "%s %s %s\n", args[0], typ, args[2])
		return nil
	},
}

var taskRelateCmd = &cobra.Command{
	Use:   "relate <a> <b>",
	Short: "Mark two tasks as related",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.Graph.Add(cmd.Context(), entity.RelRelated, args[0], args[1]); err != nil {
			return err
		}
		out(cmd, "%s related %s\n", args[0], args[1])
		return nil
	},
}

var auditTail int

var taskAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show a task's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		var events []audit.Event
		if err := a.Transitions.Scan(func(ev audit.Event) error {
			if ev.Subject == args[0] {
				events = append(events, ev)
			}
			return nil
		}); err != nil {
			return err
		}
		if auditTail > 0 && len(events) > auditTail {
			events = events[len(events)-auditTail:]
		}
		return emit(cmd, events, func() {
			for _, ev := range events {
				out(cmd, "%s  %s  %v\n", ev.TS.Format("2006-01-02 15:04:05"), ev.Kind, ev.Payload)
			}
		})
	},
}

type wavesOutput struct {
	Waves   [][]string `json:"waves"`
	Blocked []string   `json:"blocked,omitempty"`
}

var taskWavesCmd = &cobra.Command{
	Use:   "waves [id...]",
	Short: "Layer tasks into dependency waves",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		var ids []string
		if len(args) > 0 {
			ids = args
		}
		waves, blocked, err := a.Waves(ids)
		if err != nil {
			return err
		}
		return emit(cmd, wavesOutput{Waves: waves, Blocked: blocked}, func() {
			for i, wave := range waves {
				out(cmd, "wave %d: %v\n", i+1, wave)
			}
			if len(blocked) > 0 {
				out(cmd, "blocked (cycle or unsatisfiable dependency): %v\n", blocked)
			}
		})
	},
}

var taskBundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage bundle membership",
}

func init() {
	taskBundleCmd.AddCommand(bundleAddCmd, bundleRemoveCmd, bundleShowCmd)
	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority")
	taskAuditCmd.Flags().IntVar(&auditTail, "tail", 20, "show at most N events (0 = all)")
}

var bundleAddCmd = &cobra.Command{
	Use:   "add <root> <member>...",
	Short: "Attach members to a bundle root",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		root := args[0]
		for _, member := range args[1:] {
			if err := a.Graph.Add(cmd.Context(), entity.RelBundleRoot, member, root); err != nil {
				return err
			}
		}
		out(cmd, "bundle %s: added %d member(s)\n", root, len(args)-1)
		return nil
	},
}

var bundleRemoveCmd = &cobra.Command{
	Use:   "remove <root> <member>...",
	Short: "Detach members from a bundle root",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		root := args[0]
		for _, member := range args[1:] {
			if err := a.Graph.Remove(cmd.Context(), entity.RelBundleRoot, member, root); err != nil {
				return err
			}
		}
		out(cmd, "bundle %s: removed %d member(s)\n", root, len(args)-1)
		return nil
	},
}

var bundleShowCmd = &cobra.Command{
	Use:   "show <root>",
	Short: "List a bundle's members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		view, err := relation.NewView(a.Tasks)
		if err != nil {
			return err
		}
		if _, ok := view.Get(args[0]); !ok {
			return &errs.NotFound{Kind: "task", ID: args[0]}
		}
		members := view.BundleMembers(args[0])
		return emit(cmd, map[string]any{"root": args[0], "members": members}, func() {
			out(cmd, "bundle %s: %d member(s)\n", args[0], len(members))
			for _, m := range members {
				out(cmd, "  %s\n", m)
			}
		})
	},
}
