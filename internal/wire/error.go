package wire

import "errors"

// ErrInvalidData is returned (possibly wrapped) whenever a peer violates
// the framing contract: an unknown kind byte, a kind mismatch where a
// specific variant was required, or a string field that is not valid
// UTF-8.
var ErrInvalidData = errors.New("wire: invalid data")
