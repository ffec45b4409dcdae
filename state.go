// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import "fmt"

// State represents the life cycle state of a Manager.
//
//	uninstalled -> installing -> installed -> activating -> activated
//	                    |
//	                    +-> uninstalled (install failed)
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // waiting
	StateActivating
	StateActivated
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// validTransitions lists the allowed state transitions.
var validTransitions = map[State][]State{
	StateUninstalled: {StateInstalling},
	StateInstalling:  {StateInstalled, StateUninstalled},
	StateInstalled:   {StateActivating},
	StateActivating:  {StateActivated},
}

// canTransition reports whether the transition from one state to another is
// allowed.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
