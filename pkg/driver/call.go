package driver

import (
	"context"
	"fmt"
	"maps"

	"github.com/rhuss/drivercore/pkg/bridge"
)

// Call is a parsed request to execute one function on one driver. It is
// ephemeral: created by the dispatcher and discarded after execution.
type Call struct {
	// ID correlates the call in logs.
	ID string

	// Target is the driver id or prefix named by the caller.
	Target string

	// Function is the operation to execute.
	Function string

	// Capability is an explicitly requested capability flag.
	Capability string

	// Arguments holds named arguments.
	Arguments map[string]any

	// Positional holds ordered arguments.
	Positional []any

	// Raw is the source text the call was extracted from.
	Raw string
}

// Handler implements a capability flag. It receives the driver's currently
// bound bridge.
type Handler func(ctx context.Context, call Call, b bridge.Bridge) (*bridge.Result, error)

// OperationHandler returns a Handler that invokes a fixed operation, with
// the call's named arguments merged over the operation's own.
func OperationHandler(op bridge.Operation) Handler {
	return func(ctx context.Context, call Call, b bridge.Bridge) (*bridge.Result, error) {
		o := op
		if len(call.Arguments) > 0 {
			o.Args = maps.Clone(op.Args)
			if o.Args == nil {
				o.Args = make(map[string]any, len(call.Arguments))
			}
			maps.Copy(o.Args, call.Arguments)
		}
		res, err := b.Invoke(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("capability operation %q: %w", op.Name, err)
		}
		return res, nil
	}
}
