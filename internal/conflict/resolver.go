// Package conflict decides how a pair of diverged event copies is reconciled.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"calsync/internal/models"
)

// Policy selects how conflicts are resolved.
type Policy string

const (
	PolicyManual     Policy = "manual"
	PolicyLocalWins  Policy = "local-wins"
	PolicyRemoteWins Policy = "remote-wins"
	// PolicyNewestWins keeps whichever copy has the later lastModified.
	PolicyNewestWins Policy = "newest-wins"
)

// ParsePolicy accepts a policy name. The empty string means manual.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyManual, nil
	case PolicyManual, PolicyLocalWins, PolicyRemoteWins, PolicyNewestWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Action is what a decision requires of the caller.
type Action int

const (
	// ActionNone means there is nothing to reconcile.
	ActionNone Action = iota
	// ActionSurface leaves the record pending for someone to decide.
	ActionSurface
	// ActionPushLocal overwrites the remote copy with the local one.
	ActionPushLocal
	// ActionPullRemote hands the remote copy back to the caller to apply
	// locally.
	ActionPullRemote
)

func (a Action) String() string {
	switch a {
	case ActionSurface:
		return "surface"
	case ActionPushLocal:
		return "push-local"
	case ActionPullRemote:
		return "pull-remote"
	default:
		return "none"
	}
}

// Decide is the pure decision over rec under policy. Already resolved
// records and records whose copies carry the same lastModified need no
// action.
func Decide(policy Policy, rec models.ConflictRecord) Action {
	if rec.Resolved() {
		return ActionNone
	}
	if rec.Local.LastModified.Equal(rec.Remote.LastModified) {
		return ActionNone
	}

	switch policy {
	case PolicyLocalWins:
		return ActionPushLocal
	case PolicyRemoteWins:
		return ActionPullRemote
	case PolicyNewestWins:
		if rec.Local.LastModified.After(rec.Remote.LastModified) {
			return ActionPushLocal
		}
		return ActionPullRemote
	default:
		return ActionSurface
	}
}

// PushFunc overwrites the remote event with ev, whose ID is the remote id,
// and returns the stored remote copy.
type PushFunc func(ctx context.Context, ev models.CalendarEvent) (models.CalendarEvent, error)

// Outcome reports what Resolve did.
type Outcome struct {
	Action Action
	Record models.ConflictRecord
	// Pushed is the remote copy after a local-wins overwrite.
	Pushed *models.CalendarEvent
	// Pulled is the remote copy the caller should apply locally.
	Pulled *models.CalendarEvent
}

// Resolver applies a default policy to conflict records.
type Resolver struct {
	logger *slog.Logger
	policy Policy
}

func NewResolver(logger *slog.Logger, policy Policy) *Resolver {
	if policy == "" {
		policy = PolicyManual
	}
	return &Resolver{logger: logger, policy: policy}
}

// Policy returns the default policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve decides rec under policy, or under the default policy when policy
// is empty, and carries the decision out. Under manual it never calls push.
func (r *Resolver) Resolve(ctx context.Context, policy Policy, rec models.ConflictRecord, push PushFunc) (Outcome, error) {
	if policy == "" {
		policy = r.policy
	}

	action := Decide(policy, rec)
	out := Outcome{Action: action, Record: rec}

	switch action {
	case ActionNone:
		r.logger.Debug("Conflict needs no action", "conflictId", rec.ID, "resolution", rec.Resolution)

	case ActionSurface:
		out.Record.Resolution = models.ResolutionPending
		r.logger.Info("Conflict left for manual resolution",
			"conflictId", rec.ID, "eventId", rec.Remote.ID,
			"localModified", rec.Local.LastModified, "remoteModified", rec.Remote.LastModified)

	case ActionPushLocal:
		ev := rec.Local
		ev.ID = rec.Remote.ID
		pushed, err := push(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("overwrite remote event %s: %w", rec.Remote.ID, err)
		}
		out.Pushed = &pushed
		out.Record.Resolution = models.ResolutionMerged
		r.logger.Info("Conflict resolved, local copy kept", "conflictId", rec.ID, "eventId", rec.Remote.ID, "policy", policy)

	case ActionPullRemote:
		pulled := rec.Remote
		out.Pulled = &pulled
		out.Record.Resolution = models.ResolutionMerged
		r.logger.Info("Conflict resolved, remote copy kept", "conflictId", rec.ID, "eventId", rec.Remote.ID, "policy", policy)
	}

	return out, nil
}
