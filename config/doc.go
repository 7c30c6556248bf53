// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

// Package config loads the engine configuration and the agent, crew
// and project descriptors handed to the registry at startup.
//
// Precedence is defaults, then YAML file, then environment variables
// with the CFTEAM_ prefix. Descriptors come from YAML only; the core
// never reloads them behind the registry's back.
package config
