package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vigilrelay/vigil/internal/service"
)

// serviceErrorStatus maps service error codes to HTTP status codes.
// Codes missing from the table are treated as internal errors.
var serviceErrorStatus = map[string]int{
	"INVALID_ARGUMENT": http.StatusBadRequest,
	"NOT_FOUND":        http.StatusNotFound,
	"CONFLICT":         http.StatusConflict,
}

func invalidArgumentError(message string) *service.ServiceError {
	return &service.ServiceError{
		Code:    "INVALID_ARGUMENT",
		Message: message,
	}
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	writeServiceError(w, invalidArgumentError(message))
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = fmt.Sprintf("request body too large (max %d bytes)", limit)
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeServiceError translates an error from the service layer into an
// HTTP response. Anything that is not a ServiceError is reported as a
// generic internal error so that storage details never leak to clients.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if !errors.As(err, &svcErr) {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	status, ok := serviceErrorStatus[svcErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteError(w, status, svcErr.Code, svcErr.Message)
}
