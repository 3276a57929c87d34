package chat

import "errors"

var (
	// ErrServerOverloaded means the service answered with its "server is busy" notice.
	ErrServerOverloaded = errors.New("the server is busy, please try again later")
	// ErrMalformedResponse means the completed response did not have the expected structure.
	ErrMalformedResponse = errors.New("malformed response markup")
	// ErrMalformedSearchResult means a citation entry was missing a required field.
	ErrMalformedSearchResult = errors.New("malformed search result")
)
