// Package api implements the HTTP control plane for vigil.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes data as the response body with the given status.
// Encoding errors are ignored: by the time Encode fails the status
// line has already been sent.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the error envelope every failing endpoint returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine-readable code plus a message
// meant for humans reading logs or curl output.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// PageResponse is the list envelope for paginated endpoints.
type PageResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// WritePage writes one already-sliced page of a larger result set.
func WritePage[T any](w http.ResponseWriter, status int, items []T, total int, p Pagination) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, status, PageResponse[T]{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// WritePageOf paginates allItems in memory and writes the page.
func WritePageOf[T any](w http.ResponseWriter, status int, allItems []T, p Pagination) {
	WritePage(w, status, PaginateSlice(allItems, p), len(allItems), p)
}
