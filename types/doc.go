// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Package types defines the shared domain model of the coordination
// engine: agents, crews, projects, sessions, tasks, delegation edges,
// and the unified error type used across all components.
//
// Everything in this package is plain data. State transition rules are
// validated here (see TaskState.CanTransition), but persistence and
// scheduling live in the session and coordinator packages.
package types
