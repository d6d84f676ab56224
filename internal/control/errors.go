package control

import (
	"net/http"

	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

// kindStatus maps the error taxonomy onto HTTP status codes for the API's
// error responses.
var kindStatus = map[sentinelerr.Kind]int{
	sentinelerr.KindRuntimeUnavailable:  http.StatusServiceUnavailable,
	sentinelerr.KindNotFound:            http.StatusNotFound,
	sentinelerr.KindConflict:            http.StatusConflict,
	sentinelerr.KindRegistryUnreachable: http.StatusServiceUnavailable,
	sentinelerr.KindAuthRequired:        http.StatusBadGateway,
	sentinelerr.KindConfigNotReplicable: http.StatusConflict,
	sentinelerr.KindTimeout:             http.StatusGatewayTimeout,
	sentinelerr.KindInvalidConfig:       http.StatusBadRequest,
	sentinelerr.KindUnauthorized:        http.StatusUnauthorized,
	sentinelerr.KindInternal:            http.StatusInternalServerError,
}

func statusForKind(k sentinelerr.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error     string           `json:"error"`
	Kind      sentinelerr.Kind `json:"kind"`
	Retryable bool             `json:"retryable"`
}

func writeSentinelErr(w http.ResponseWriter, err error) {
	kind := sentinelerr.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: retryableFor(err),
	})
}

func retryableFor(err error) bool {
	var e *sentinelerr.Error
	if sentinelerr.As(err, &e) {
		return e.Retryable
	}
	return false
}
