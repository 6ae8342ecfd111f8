package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an Error. User-visible kinds map to a 4xx response;
// internal kinds are logged by the code that observes them and never reach
// a client.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindStock           Kind = "stock"
	KindPaymentDeclined Kind = "payment_declined"
	KindNotFound        Kind = "not_found"

	KindStorage  Kind = "storage"
	KindBroker   Kind = "broker"
	KindInternal Kind = "internal"
)

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserVisible reports whether the error is meant to be shown to the caller.
func (e *Error) UserVisible() bool {
	switch e.Kind {
	case KindValidation, KindAuth, KindStock, KindPaymentDeclined, KindNotFound:
		return true
	}
	return false
}

// New creates a new Error
func New(code int, kind Kind, message string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(http.StatusBadRequest, KindValidation, message, nil)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, KindAuth, message, nil)
}

func Stock(message string) *Error {
	return New(http.StatusBadRequest, KindStock, message, nil)
}

func PaymentDeclined(message string) *Error {
	return New(http.StatusBadRequest, KindPaymentDeclined, message, nil)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, KindNotFound, message, nil)
}

func Storage(message string, err error) *Error {
	return New(http.StatusInternalServerError, KindStorage, message, err)
}

func Broker(message string, err error) *Error {
	return New(http.StatusServiceUnavailable, KindBroker, message, err)
}

func Internal(message string, err error) *Error {
	return New(http.StatusInternalServerError, KindInternal, message, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Respond writes err as the response body. A declined payment uses the
// {success, message} shape; other user-visible kinds use {error}; anything
// else becomes an opaque 500.
func Respond(c *gin.Context, err error) {
	var appErr *Error
	if !stderrors.As(err, &appErr) || !appErr.UserVisible() {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if appErr.Kind == KindPaymentDeclined {
		c.AbortWithStatusJSON(appErr.Code, gin.H{"success": false, "message": appErr.Message})
		return
	}
	c.AbortWithStatusJSON(appErr.Code, gin.H{"error": appErr.Message})
}

// ErrorMiddleware responds with the last error a handler attached through
// c.Error, unless the handler already wrote a response.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		Respond(c, c.Errors.Last().Err)
	}
}
