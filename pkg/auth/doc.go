// Package auth authenticates callers of the drivercore HTTP API.
//
// Authentication uses a chain of authenticators with three-outcome voting:
// each returns Yes (identity found), No (credentials invalid) or Abstain
// (cannot handle them). A default decision applies when all abstain.
//
// This guards the management and dispatch API only. Driver backends are
// authenticated by their bridges through bridge.HeaderSource.
package auth
