package subscription

import (
	"context"
	"errors"

	loopfsm "github.com/looplab/fsm"
)

// events converts Transitions into looplab/fsm EventDesc format. It
// consolidates transitions with the same event+destination into a single
// EventDesc with multiple source states (e.g. EventCancel from trial,
// active, and grace_period all land in cancelled).
var events = buildEvents()

func buildEvents() []loopfsm.EventDesc {
	type key struct {
		event string
		dst   string
	}
	grouped := make(map[key][]string)
	order := make([]key, 0)

	for _, t := range Transitions {
		k := key{event: string(t.Event), dst: string(t.Dst)}
		if _, exists := grouped[k]; !exists {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], string(t.Src))
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, k := range order {
		out = append(out, loopfsm.EventDesc{
			Name: k.event,
			Src:  grouped[k],
			Dst:  k.dst,
		})
	}
	return out
}

// ApplyEvent checks whether event is valid from the current status and
// returns the destination status. A short-lived FSM instance is created per
// call because looplab/fsm tracks its current state internally.
//
// Self-loop transitions (active + payment_succeeded) surface from the
// library as NoTransitionError; they are valid here — the subscription
// stays put while its period end moves — so they return the current status.
// Undeclared pairs return a *TransitionError.
func ApplyEvent(ctx context.Context, current Status, event Event) (Status, error) {
	machine := loopfsm.NewFSM(string(current), events, nil)

	if err := machine.Event(ctx, string(event)); err != nil {
		var noTransition loopfsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return current, nil
		}
		var invalidEvent loopfsm.InvalidEventError
		if errors.As(err, &invalidEvent) {
			return "", &TransitionError{Event: event, Current: current}
		}
		return "", err
	}

	return Status(machine.Current()), nil
}
