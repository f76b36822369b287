package gh

import "errors"

// ErrRemote marks any transport or authorization failure talking to
// GitHub.  The cause is carried opaquely in the message; callers treat
// every remote rejection the same way.
var ErrRemote = errors.New("remote operation failed")
