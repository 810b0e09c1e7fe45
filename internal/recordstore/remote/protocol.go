package remote

import (
	"errors"
	"fmt"
	"net/http"

	"chatsync/pkg/chatsync"
)

const (
	collectionsPath = "/api/collections/"
	realtimePath    = "/api/realtime"
	authRefreshPath = "/api/collections/users/auth-refresh"

	defaultPageSize = 200
	maxPageSize     = 500
)

// listPage is one page of a list response.
type listPage struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Items      []chatsync.Record `json:"items"`
}

// authResponse is returned by the auth refresh endpoint.
type authResponse struct {
	Token  string          `json:"token"`
	Record chatsync.Record `json:"record"`
}

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// frameType tags realtime websocket frames.
type frameType string

const (
	frameSubscribe   frameType = "subscribe"
	frameUnsubscribe frameType = "unsubscribe"
	frameAck         frameType = "ack"
	frameError       frameType = "error"
	frameEvent       frameType = "event"
)

// frame is one realtime websocket message in either direction.
type frame struct {
	Type frameType `json:"type"`
	// ID correlates subscribe/unsubscribe requests with their ack or error,
	// and names the subscription an event belongs to.
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	Action     chatsync.Action `json:"action,omitempty"`
	Record     chatsync.Record `json:"record,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// errorKindQuery marks 400 responses caused by a filter or sort expression.
const errorKindQuery = "query"

// statusForError maps chatsync sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, chatsync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatsync.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, chatsync.ErrInvalidRecord), errors.Is(err, chatsync.ErrInvalidQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorForStatus maps an API error response back to a chatsync sentinel.
func errorForStatus(status int, body apiError) error {
	message := body.Message
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", chatsync.ErrNotFound, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", chatsync.ErrUnauthorized, message)
	case status == http.StatusBadRequest && body.Data["kind"] == errorKindQuery:
		return fmt.Errorf("%w: %s", chatsync.ErrInvalidQuery, message)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", chatsync.ErrInvalidRecord, message)
	default:
		return fmt.Errorf("%w: status %d: %s", chatsync.ErrNetwork, status, message)
	}
}
