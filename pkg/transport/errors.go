package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/drivercore/pkg/api"
)

// HTTPStatusFromError maps the kind of err to an HTTP status. Errors without
// a typed kind are internal errors. NoCallFound is not an error at the HTTP
// level; handlers answer it with 204 before reaching this mapping.
func HTTPStatusFromError(err error) int {
	switch api.KindOf(err) {
	case api.KindMalformedCall, api.KindInvalidConfig:
		return http.StatusBadRequest
	case api.KindNotFound, api.KindUnknownTarget:
		return http.StatusNotFound
	case api.KindCapabilityUnsupported:
		return http.StatusNotImplemented
	case api.KindDuplicateID, api.KindDuplicatePrefix:
		return http.StatusConflict
	case api.KindNoCallFound:
		return http.StatusUnprocessableEntity
	case api.KindBridgeUnavailable, api.KindSpecUnavailable:
		return http.StatusBadGateway
	case api.KindDriverUnavailable, api.KindHealthCheckTimeout, api.KindResolution:
		return http.StatusServiceUnavailable
	case api.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes err as the JSON error envelope with the given
// status code.
func WriteErrorResponse(w http.ResponseWriter, err error, statusCode int) {
	apiErr, ok := api.AsError(err)
	if !ok {
		apiErr = api.Wrap(api.KindInternal, "", err, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteError writes err, deriving the HTTP status code from its kind.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, err, HTTPStatusFromError(err))
}
