// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Package engine exposes the coordination system's only externally
// invocable operations: CreateSession, GetSessionStatus and
// AbortSession.
//
// The engine wires the registry, rate limiter, session store,
// coordinator and reconciler together and owns one worker goroutine
// per live session. A worker runs waves of crew runners until the
// session's derived status turns terminal, then reports the outcome to
// the notification sink. Cancellation is cooperative throughout:
// aborting a session stops new dispatches but never force-kills
// in-flight external executions.
package engine
