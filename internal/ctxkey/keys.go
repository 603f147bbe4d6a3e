// Package ctxkey centralizes the gin.Context keys the proxy sets and
// reads, following the pattern of the reference gateway's
// common/ctxkey package (a flat set of exported string constants
// rather than unexported typed keys, since everything here crosses
// through gin.Context.Set/Get).
package ctxkey

const (
	// RequestID is the per-request identifier assigned by the request-id
	// middleware and echoed back in the X-Request-Id response header.
	RequestID = "X-Request-Id"

	// UserID is the principal's userId, set once AUTH_CHECK succeeds.
	UserID = "user-id"
)
