// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Package crew drives one crew's participation in a session's task
// graph through the run state machine Idle -> Scheduling ->
// AwaitingAgents -> Reconciling -> Done|Aborted.
//
// Each topology is one scheduling policy behind a common interface
// answering "which ready tasks may dispatch now": sequential keeps a
// single task in flight and walks members in declared order, parallel
// saturates eligible idle members, hierarchical funnels every task
// through the manager (who may delegate). The store stays the single
// source of truth; a runner holds only its scheduling cursor and,
// when the crew's memory flag is set, the outputs of prior tasks.
package crew
