package driver

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
)

// Translator turns a validated call into a protocol-specific operation.
type Translator interface {
	Translate(call Call) (bridge.Operation, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(call Call) (bridge.Operation, error)

// Translate calls f(call).
func (f TranslatorFunc) Translate(call Call) (bridge.Operation, error) {
	return f(call)
}

// Passthrough forwards the function name and arguments unchanged. It suits
// RPC-style protocols such as MCP where the function is the operation.
type Passthrough struct {
	// Idempotent marks every operation as safe to retry.
	Idempotent bool
}

// Translate implements Translator.
func (p Passthrough) Translate(call Call) (bridge.Operation, error) {
	if call.Function == "" {
		return bridge.Operation{}, api.NewMalformedCallError(call.Raw, "function is required")
	}
	return bridge.Operation{
		Name:       call.Function,
		Args:       maps.Clone(call.Arguments),
		Positional: append([]any(nil), call.Positional...),
		Idempotent: p.Idempotent,
	}, nil
}

// Route maps a function to a REST request. Path segments written as
// {name} are filled from, and removed from, the call's named arguments.
type Route struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`

	// Idempotent overrides the method's default retry safety.
	Idempotent *bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
}

// REST translates calls through a route table.
type REST struct {
	Routes map[string]Route

	// PassUnknown forwards functions without a route as POST /<function>.
	PassUnknown bool
}

// Translate implements Translator.
func (r REST) Translate(call Call) (bridge.Operation, error) {
	if call.Function == "" {
		return bridge.Operation{}, api.NewMalformedCallError(call.Raw, "function is required")
	}

	route, ok := r.Routes[call.Function]
	if !ok {
		if !r.PassUnknown {
			return bridge.Operation{}, api.NewMalformedCallError(call.Raw,
				fmt.Sprintf("function %q is not provided by driver %q", call.Function, call.Target))
		}
		route = Route{Method: http.MethodPost, Path: "/" + call.Function}
	}

	method := strings.ToUpper(route.Method)
	if method == "" {
		method = http.MethodPost
	}

	args := maps.Clone(call.Arguments)
	path, used, err := expandPath(route.Path, args, call.Positional)
	if err != nil {
		return bridge.Operation{}, api.NewMalformedCallError(call.Raw,
			fmt.Sprintf("function %q: %v", call.Function, err))
	}
	extra := call.Positional[used:]
	if len(extra) > 0 && !hasBody(method) {
		return bridge.Operation{}, api.NewMalformedCallError(call.Raw,
			fmt.Sprintf("function %q takes named arguments; %d positional argument(s) cannot be sent with %s",
				call.Function, len(extra), method))
	}

	idempotent := isIdempotentMethod(method)
	if route.Idempotent != nil {
		idempotent = *route.Idempotent
	}

	op := bridge.Operation{
		Name:       call.Function,
		Method:     method,
		Path:       path,
		Args:       args,
		Idempotent: idempotent,
	}
	if len(extra) > 0 {
		op.Positional = append([]any(nil), extra...)
	}
	return op, nil
}

// expandPath substitutes {name} segments from args (consuming them). When
// the call has positional arguments, placeholders are filled in order; the
// number of positional arguments used is returned.
func expandPath(tmpl string, args map[string]any, positional []any) (string, int, error) {
	var b strings.Builder
	next := 0
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return "", 0, fmt.Errorf("unterminated placeholder in path %q", tmpl)
		}
		closing += open
		b.WriteString(rest[:open])
		name := rest[open+1 : closing]

		var value any
		if v, ok := args[name]; ok {
			value = v
			delete(args, name)
		} else if next < len(positional) {
			value = positional[next]
			next++
		} else {
			return "", 0, fmt.Errorf("missing path argument %q", name)
		}
		b.WriteString(pathEscape(value))
		rest = rest[closing+1:]
	}
	return b.String(), next, nil
}

// pathEscape renders a path argument. Numbers parsed from a call keep
// their literal text; integral floats from calls built in code drop their
// fractional part.
func pathEscape(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case float64:
		if val == float64(int64(val)) {
			s = strconv.FormatInt(int64(val), 10)
		} else {
			s = strconv.FormatFloat(val, 'f', -1, 64)
		}
	default:
		s = fmt.Sprint(val)
	}
	return url.PathEscape(s)
}

// hasBody reports whether requests with method carry a JSON body.
func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
