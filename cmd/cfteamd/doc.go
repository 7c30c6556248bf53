// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Command cfteamd runs the CFTeam coordination engine: it loads the
// configuration and descriptors, opens the session store, applies
// database migrations, and serves the session API plus health and
// metrics endpoints. Task execution is delegated to the configured
// external executor endpoint.
package main
