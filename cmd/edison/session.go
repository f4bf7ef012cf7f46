package main

import (
	"github.com/spf13/cobra"

	"github.com/leeroybrun/edison-sub000/internal/app"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/session"
)

var sessionFlag string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session lifecycle, identity, and continuation",
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session id (default: resolved from the environment)")
	sessionCmd.AddCommand(sessionCreateCmd, sessionStatusCmd, sessionNextCmd,
		sessionWhoamiCmd, sessionResumeCmd, sessionStaleCmd, sessionCleanupCmd,
		continuationCmd)
	rootCmd.AddCommand(sessionCmd)
}

var (
	createID       string
	createPlatform string
	createBase     string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session owned by the current process tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		opts := session.CreateOptions{
			ID:         createID,
			Platform:   createPlatform,
			BaseBranch: createBase,
			Actor:      actor.String(),
		}
		if createID == "" {
			owner, err := a.Resolver.DeriveOwner()
			if err != nil {
				return err
			}
			opts.Prefix = owner.Prefix()
			opts.Owner = session.Owner{Process: owner.Process, PID: owner.PID}
			if opts.Platform == "" {
				opts.Platform = owner.Process
			}
		}
		s, err := a.Sessions.Create(opts)
		if err != nil {
			return err
		}
		return emit(cmd, s, func() {
			out(cmd, "created session %s\n", s.ID)
		})
	},
}

type sessionStatus struct {
	*session.Session
	Stale bool     `json:"stale"`
	Tasks []string `json:"tasks,omitempty"`
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved session and its claimed tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		id, err := a.Resolver.Resolve(sessionFlag)
		if err != nil {
			return err
		}
		s, err := a.Sessions.Load(id)
		if err != nil {
			return err
		}
		claimed, err := a.Tasks.List(entity.Filter{Session: id})
		if err != nil {
			return err
		}
		st := sessionStatus{Session: s, Stale: s.Stale(a.Sessions.Now(), a.Sessions.StaleThreshold())}
		for _, t := range claimed {
			st.Tasks = append(st.Tasks, t.ID)
		}
		return emit(cmd, st, func() {
			out(cmd, "session %s: %s", s.ID, s.State)
			if st.Stale {
				out(cmd, " (stale)")
			}
			out(cmd, "\n")
			for _, t := range st.Tasks {
				out(cmd, "  claimed: %s\n", t)
			}
		})
	},
}

var sessionNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Compute the continuation payload for the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		id, err := a.Resolver.Resolve(sessionFlag)
		if err != nil {
			return err
		}
		p := a.Next.Compute(id)
		return emit(cmd, p, func() {
			for _, act := range p.Actions {
				out(cmd, "%-9s %s  (%s)\n", act.Kind, act.Command, act.Reason)
			}
			for _, b := range p.Blockers {
				out(cmd, "blocked:  %s  %s\n", b.Subject, b.Reason)
			}
			for _, m := range p.ReportsMissing {
				out(cmd, "missing:  %s\n", m.Path)
			}
			if p.Completion.IsComplete {
				out(cmd, "session %s is complete (%s)\n", id, p.Completion.Policy)
			} else if p.Continuation.ShouldContinue {
				out(cmd, "\n%s\n", p.Continuation.Prompt)
			}
		})
	},
}

type whoami struct {
	Actor   session.Actor `json:"actor"`
	Prefix  string        `json:"owner_prefix,omitempty"`
	Session string        `json:"session,omitempty"`
}

var sessionWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the resolved actor, owner prefix, and session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		w := whoami{Actor: actor}
		if owner, err := a.Resolver.DeriveOwner(); err == nil {
			w.Prefix = owner.Prefix()
		}
		if id, err := a.Resolver.Resolve(sessionFlag); err == nil {
			w.Session = id
		}
		return emit(cmd, w, func() {
			out(cmd, "actor:   %s\n", actor.String())
			if w.Prefix != "" {
				out(cmd, "prefix:  %s\n", w.Prefix)
			}
			if w.Session != "" {
				out(cmd, "session: %s\n", w.Session)
			}
		})
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Attach to an existing session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		g, err := a.Sessions.Resume(args[0])
		if err != nil {
			return err
		}
		return emit(cmd, g, func() {
			out(cmd, "resumed session %s\n", g.Session.ID)
			for k, v := range g.Env {
				out(cmd, "export %s=%s\n", k, v)
			}
		})
	},
}

var staleList bool

var sessionStaleCmd = &cobra.Command{
	Use:   "stale --list",
	Short: "List stale sessions without touching them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !staleList {
			return &errs.ValidationError{
				Subject: "session stale",
				Reason:  "no operation requested",
				Remedy:  "pass --list to list stale sessions, or run `edison session cleanup-stale` to close them",
			}
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		stale, err := a.Sessions.StaleList()
		if err != nil {
			return err
		}
		return emit(cmd, stale, func() {
			if len(stale) == 0 {
				out(cmd, "no stale sessions\n")
				return
			}
			for _, s := range stale {
				out(cmd, "%s  last active %s\n", s.ID, s.LastActive.Format("2006-01-02 15:04:05"))
			}
		})
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:     "cleanup-stale",
	Aliases: []string{"cleanup-expired"},
	Short:   "Restore claims from stale sessions and close them",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		actor, err := a.Actors.Resolve()
		if err != nil {
			return err
		}
		report, err := a.Sessions.CleanupStale(cmd.Context(), a.Tasks, a.Transitions, actor.String())
		if err != nil {
			return err
		}
		return emit(cmd, report, func() {
			out(cmd, "closed %d session(s), restored %d task(s)\n", len(report.Closed), len(report.Restored))
		})
	},
}

var continuationCmd = &cobra.Command{
	Use:   "continuation",
	Short: "Per-session continuation overrides",
}

func init() {
	continuationCmd.AddCommand(continuationShowCmd, continuationSetCmd, continuationClearCmd)
}

func loadResolvedSession(a *app.App) (*session.Session, error) {
	id, err := a.Resolver.Resolve(sessionFlag)
	if err != nil {
		return nil, err
	}
	return a.Sessions.Load(id)
}

type continuationView struct {
	Session  string                `json:"session"`
	Override *session.Continuation `json:"override,omitempty"`
	Default  string                `json:"default_mode"`
}

var continuationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the session's continuation override and the project default",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		s, err := loadResolvedSession(a)
		if err != nil {
			return err
		}
		v := continuationView{Session: s.ID, Override: s.Meta.Continuation, Default: a.Cfg.Session.Continuation.DefaultMode}
		return emit(cmd, v, func() {
			if v.Override == nil {
				out(cmd, "session %s: no override (project default %s)\n", s.ID, v.Default)
				return
			}
			out(cmd, "session %s: mode %s (project default %s)\n", s.ID, v.Override.Mode, v.Default)
		})
	},
}

var (
	contMode          string
	contMaxIterations int
	contCooldown      int
	contStopOnBlocked bool
)

var continuationSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set continuation overrides on the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		s, err := loadResolvedSession(a)
		if err != nil {
			return err
		}
		if s.Meta.Continuation == nil {
			s.Meta.Continuation = &session.Continuation{}
		}
		c := s.Meta.Continuation
		if cmd.Flags().Changed("mode") {
			switch contMode {
			case config.ModeOff, config.ModeSoft, config.ModeHard:
				c.Mode = contMode
			default:
				return &errs.ValidationError{
					Subject: "continuation mode",
					Reason:  "unknown mode " + contMode,
					Remedy:  "use off, soft, or hard",
				}
			}
		}
		if cmd.Flags().Changed("max-iterations") {
			n := contMaxIterations
			c.MaxIterations = &n
		}
		if cmd.Flags().Changed("cooldown-seconds") {
			n := contCooldown
			c.CooldownSeconds = &n
		}
		if cmd.Flags().Changed("stop-on-blocked") {
			b := contStopOnBlocked
			c.StopOnBlocked = &b
		}
		if err := a.Sessions.Save(s); err != nil {
			return err
		}
		return emit(cmd, s.Meta.Continuation, func() {
			out(cmd, "updated continuation for session %s\n", s.ID)
		})
	},
}

func init() {
	f := continuationSetCmd.Flags()
	f.StringVar(&contMode, "mode", "", "continuation mode (off|soft|hard)")
	f.IntVar(&contMaxIterations, "max-iterations", 0, "iteration cap")
	f.IntVar(&contCooldown, "cooldown-seconds", 0, "seconds between iterations")
	f.BoolVar(&contStopOnBlocked, "stop-on-blocked", false, "stop when every action is blocked")
}

var continuationClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the session's continuation override",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		s, err := loadResolvedSession(a)
		if err != nil {
			return err
		}
		s.Meta.Continuation = nil
		if err := a.Sessions.Save(s); err != nil {
			return err
		}
		out(cmd, "cleared continuation override for session %s\n", s.ID)
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&createID, "id", "", "explicit session id (default: derived from the process tree)")
	sessionCreateCmd.Flags().StringVar(&createPlatform, "platform", "", "client platform (claude, codex, ...)")
	sessionCreateCmd.Flags().StringVar(&createBase, "base-branch", "", "branch the session works against")
	sessionStaleCmd.Flags().BoolVar(&staleList, "list", false, "list stale sessions")
}
