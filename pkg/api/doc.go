// Package api defines the error taxonomy shared by every drivercore
// component.
//
// Every failure surfaced by the registry, spec providers, the dispatcher,
// bridges or the autostarter is an [*Error] carrying a [ErrorKind], the
// originating driver id and, where applicable, the last known lifecycle state
// and the raw offending input. Sentinels such as [ErrUnknownTarget] match any
// error of the same kind through errors.Is, including wrapped chains:
//
//	if errors.Is(err, api.ErrNoCallFound) {
//		// the model did not request an action
//	}
//
// The package has no external dependencies and performs no I/O.
package api
