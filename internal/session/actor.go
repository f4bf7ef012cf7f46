package session

import (
	"fmt"
	"os"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/procfs"
)

// Actor identity environment contract.
const (
	EnvActorKind = "EDISON_ACTOR_KIND"
	EnvActorID   = "EDISON_ACTOR_ID"
)

// Actor kinds as perceived by the identity resolver.
const (
	ActorOrchestrator = "orchestrator"
	ActorAgent        = "agent"
	ActorValidator    = "validator"
	ActorUnknown      = "unknown"
)

// actorTailWindow bounds the process-events read during fallback resolution.
const actorTailWindow = 256 * 1024

// Actor is the resolved caller identity.
type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// String renders "kind" or "kind:id" for audit records.
func (a Actor) String() string {
	if a.ID == "" {
		return a.Kind
	}
	return a.Kind + ":" + a.ID
}

// ActorResolver determines who is calling: env first, then a bounded tail
// scan of process-events matching the topmost pid of this process tree. It
// is read-only and fail-open (unknown), safe from hook code.
type ActorResolver struct {
	journal   *audit.Journal // process-events
	env       func(string) string
	selfPID   int
	ancestors func(pid int) []procfs.Process
}

func NewActorResolver(journal *audit.Journal) *ActorResolver {
	return &ActorResolver{
		journal:   journal,
		env:       os.Getenv,
		selfPID:   os.Getpid(),
		ancestors: func(pid int) []procfs.Process { return procfs.Ancestors(pid, 0) },
	}
}

// SetProcessContext overrides the env, pid, and ancestor sources (tests only).
func (r *ActorResolver) SetProcessContext(env func(string) string, selfPID int, ancestors func(pid int) []procfs.Process) {
	r.env = env
	r.selfPID = selfPID
	if ancestors != nil {
		r.ancestors = ancestors
	}
}

// Resolve returns the actor identity. An invalid EDISON_ACTOR_KIND is the
// only hard error; every other miss degrades to unknown.
func (r *ActorResolver) Resolve() (Actor, error) {
	if kind := r.env(EnvActorKind); kind != "" {
		switch kind {
		case ActorOrchestrator, ActorAgent, ActorValidator:
			return Actor{Kind: kind, ID: r.env(EnvActorID)}, nil
		default:
			return Actor{}, &errs.ResolutionError{
				What:   "actor identity",
				Reason: fmt.Sprintf("invalid %s %q", EnvActorKind, kind),
				Remedy: fmt.Sprintf("set %s to orchestrator, agent, or validator", EnvActorKind),
			}
		}
	}

	// Fallback: the newest process.launched record for the topmost pid in
	// our ancestor chain tells us what kind of process spawned us.
	chain := r.ancestors(r.selfPID)
	if len(chain) == 0 {
		return Actor{Kind: ActorUnknown}, nil
	}
	topPID := chain[len(chain)-1].PID
	events, err := r.journal.Tail(actorTailWindow)
	if err != nil {
		return Actor{Kind: ActorUnknown}, nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != "process.launched" {
			continue
		}
		pid, ok := ev.Payload["pid"].(float64)
		if !ok || int(pid) != topPID {
			continue
		}
		if kind, ok := ev.Payload["actorKind"].(string); ok {
			id, _ := ev.Payload["actorId"].(string)
			return Actor{Kind: kind, ID: id}, nil
		}
	}
	return Actor{Kind: ActorUnknown}, nil
}
