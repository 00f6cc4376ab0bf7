package server

import "errors"

// Domain failures are signaled in-band with status=false and one of the
// canonical messages below. Wrong-secret, corrupted-ciphertext and
// missing-environment conditions all collapse to msgAuthFailed so a caller
// cannot distinguish them; missing grants and capability denials collapse to
// msgPermissionDenied so resource existence never leaks to the unauthorized.
var (
	errNotFound         = errors.New("not found")
	errCryptoFailure    = errors.New("crypto failure")
	errPermissionDenied = errors.New("permission denied")
)

const (
	msgAuthFailed         = "authentication failed"
	msgPermissionDenied   = "permission denied"
	msgPasswordNotChanged = "password not changed"
	msgGrantConflict      = "permission already exists"
	msgGrantNotFound      = "permission not found"
	msgUserNotFound       = "user not found"
)
