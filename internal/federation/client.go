// Package federation declares the narrow contracts this client
// consumes from the homeserver transport layer. Implementations live
// outside this module; the loopback here exists for local runs and
// tests.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/mtx/internal/event"
)

// Error is a typed transport failure carrying an HTTP-status-like
// class. The pipeline branches on the class, never on the detail.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("federation: status %d: %s", e.StatusCode, e.Detail)
}

// NewError creates a typed transport failure.
func NewError(status int, detail string) *Error {
	return &Error{StatusCode: status, Detail: detail}
}

func statusOf(err error) (int, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode, true
	}
	return 0, false
}

// IsForbidden reports a 403-class failure.
func IsForbidden(err error) bool {
	s, ok := statusOf(err)
	return ok && s == http.StatusForbidden
}

// IsBadRequest reports a 400-class failure.
func IsBadRequest(err error) bool {
	s, ok := statusOf(err)
	return ok && s == http.StatusBadRequest
}

// IsTooLarge reports a 413-class failure.
func IsTooLarge(err error) bool {
	s, ok := statusOf(err)
	return ok && s == http.StatusRequestEntityTooLarge
}

// IsRateLimited reports a 429-class failure. Rate limiting is
// connectivity-class: it restarts the outer retry loop instead of
// failing a single message.
func IsRateLimited(err error) bool {
	s, ok := statusOf(err)
	return ok && s == http.StatusTooManyRequests
}

// Detail returns the transport failure detail, or the plain error text.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return err.Error()
}

// EventSender posts message events to a room. txnID is the idempotency
// token: a retried call after a blip that actually succeeded
// server-side is deduplicated by the server.
type EventSender interface {
	SendMessageEvent(ctx context.Context, roomID event.RoomID, content event.MessageContent, txnID event.TransactionID) (event.EventID, error)
}

// Uploader pushes local media to the media repository, reporting
// progress in percent, and returns the content rewritten with the
// remote reference.
type Uploader interface {
	CanUpload(content event.MessageContent) bool
	Upload(ctx context.Context, content event.MessageContent, progress func(pct int)) (event.MessageContent, error)
}

// UploaderSet picks the first uploader claiming a content type.
type UploaderSet []Uploader

// ForContent returns the first applicable uploader.
func (s UploaderSet) ForContent(content event.MessageContent) (Uploader, bool) {
	for _, u := range s {
		if u.CanUpload(content) {
			return u, true
		}
	}
	return nil, false
}

// Permissions answers whether the local user may send the given
// content to the room (power-level computation is external).
type Permissions interface {
	CanSendMessage(roomID event.RoomID, content event.MessageContent) bool
}

// ReadMarkers sets the fully-read marker and resets the unread flag
// after a successful send. Both calls are fire-and-forget.
type ReadMarkers interface {
	SetFullyRead(ctx context.Context, roomID event.RoomID, eventID event.EventID) error
	ResetUnread(ctx context.Context, roomID event.RoomID) error
}
