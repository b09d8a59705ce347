/*
Package errs provides custom error types and application-level error code constants.

These error codes are used to clearly identify specific business or system errors
both internally within the server and in communication with clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect (e.g., syntax error).
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Participant Errors
const (
	// ErrRoleInvalid indicates that the supplied role is not one of the configured roles.
	ErrRoleInvalid = 2101

	// ErrRoleMismatch indicates that a participant key is already registered under another role.
	ErrRoleMismatch = 2102

	// ErrUserNotFound indicates that no participant matches the requested identity.
	ErrUserNotFound = 2103
)

// 3xxx: Session Errors
const (
	// ErrUnauthorized indicates that the role tag token is missing or invalid.
	ErrUnauthorized = 3001
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrStoreUnavailable indicates that the message store could not serve the request.
	ErrStoreUnavailable = 5001
)
