// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Package reconciler propagates a completed task's declared effects on
// other projects into those projects' task graphs.
//
// Each declared effect becomes one follow-up task appended to the same
// session, owned by the target project's integration crew and carrying
// a back-reference to the originating task. Writers touching the same
// project resource are serialized with a last-writer-waits chain: the
// later writer's follow-up depends on the earlier one's, so it stays
// queued until that reconciliation completes. No merging is attempted.
package reconciler
