package quote

import (
	"fmt"

	"agrispare-be/internal/identity"
)

// Decision is the outcome of Authorize. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

type party int

const (
	partyClient party = iota
	partyStaff
)

type rule struct {
	from    Status
	action  Action
	parties []party
}

var transitionTable = []rule{
	{StatusPending, ActionSend, []party{partyStaff}},
	{StatusPending, ActionRevise, []party{partyStaff}},
	{StatusRevised, ActionSend, []party{partyStaff}},
	{StatusRevised, ActionRevise, []party{partyStaff}},
	{StatusSent, ActionAccept, []party{partyClient}},
	{StatusSent, ActionReject, []party{partyClient, partyStaff}},
}

var targetStatus = map[Action]Status{
	ActionSend:   StatusSent,
	ActionRevise: StatusRevised,
	ActionAccept: StatusAccepted,
	ActionReject: StatusRejected,
	ActionCancel: StatusCancelled,
}

// NextStatus returns the status an allowed action moves a quote to.
func NextStatus(a Action) (Status, bool) {
	s, ok := targetStatus[a]
	return s, ok
}

// Authorize decides whether actor may perform action on q. It is pure and is
// the only place permission logic lives.
func Authorize(q *Quote, actor identity.Identity, action Action) Decision {
	if q == nil {
		return deny("quote is missing")
	}
	if actor.IsZero() {
		return deny("actor is not authenticated")
	}
	if _, ok := targetStatus[action]; !ok {
		return deny("unknown action %q", action)
	}
	if q.Status.IsTerminal() {
		return deny("quote is already %s and can no longer change", q.Status)
	}

	// Administrative override from any non-terminal status.
	if action == ActionCancel {
		if actor.IsAdmin() {
			return allow()
		}
		return deny("only an administrator can cancel a quote")
	}

	var r *rule
	for i := range transitionTable {
		if transitionTable[i].from == q.Status && transitionTable[i].action == action {
			r = &transitionTable[i]
			break
		}
	}
	if r == nil {
		return deny("a %s quote cannot be %s", q.Status, pastTense(action))
	}

	for _, p := range r.parties {
		if actsAs(q, actor, p) {
			return allow()
		}
	}
	return deny("%s is not allowed for %s on this quote", action, actor.Role)
}

func actsAs(q *Quote, actor identity.Identity, p party) bool {
	switch p {
	case partyClient:
		return actor.Role == identity.RoleCustomer && actor.ActorID == q.ClientID
	case partyStaff:
		if !actor.IsStaff() {
			return false
		}
		return actor.IsAdmin() || actor.ActorID == q.VendorID
	}
	return false
}

// AllowedActions lists the actions actor may currently take on q.
func AllowedActions(q *Quote, actor identity.Identity) []Action {
	out := make([]Action, 0, len(allActions))
	for _, a := range allActions {
		if Authorize(q, actor, a).Allowed {
			out = append(out, a)
		}
	}
	return out
}

// Visible reports whether actor may see q at all. Invisible quotes are
// reported as not found.
func Visible(q *Quote, actor identity.Identity) bool {
	if q == nil || actor.IsZero() {
		return false
	}
	switch actor.Role {
	case identity.RoleCustomer:
		return q.ClientID == actor.ActorID
	case identity.RoleVendor:
		return q.VendorID == actor.ActorID
	case identity.RoleAdmin, identity.RoleSuperAdmin:
		return true
	}
	return false
}

func pastTense(a Action) string {
	switch a {
	case ActionSend:
		return "sent"
	case ActionRevise:
		return "revised"
	case ActionAccept:
		return "accepted"
	case ActionReject:
		return "rejected"
	case ActionCancel:
		return "cancelled"
	}
	return string(a)
}

func denied(q *Quote, actor identity.Identity, action Action, d Decision) error {
	var status Status
	if q != nil {
		status = q.Status
	}
	return &TransitionDeniedError{
		Action: action,
		Status: status,
		Role:   actor.Role,
		Reason: d.Reason,
	}
}
