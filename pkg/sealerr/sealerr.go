// Package sealerr defines the error taxonomy shared by
// every layer of the seal pipeline. Callers classify
// failures with errors.Is against the sentinels below or
// with the Retryable, Terminal and Soft helpers.
package sealerr

import "errors"

var (
	// ErrEncryptionFailed is returned when the threshold
	// encryption capability rejects the input.
	ErrEncryptionFailed = errors.New("seal: encryption failed")

	// ErrStorageUnavailable marks a failed blob upload or
	// download. The caller may retry.
	ErrStorageUnavailable = errors.New("seal: storage unavailable")

	// ErrPolicyMismatch means the ciphertext id is not
	// bound to the policy object supplied by the caller.
	ErrPolicyMismatch = errors.New("seal: ciphertext is bound to a different policy")

	// ErrThresholdNotMet means fewer than threshold key
	// custodians returned a consistent share.
	ErrThresholdNotMet = errors.New("seal: key custodian threshold not met")

	// ErrNoAccess means a key custodian evaluated the
	// access proof and denied it. Never retried.
	ErrNoAccess = errors.New("seal: access denied by policy")

	// ErrCredentialExpired is returned for session
	// credentials past their expiry.
	ErrCredentialExpired = errors.New("seal: session credential expired")

	// ErrCredentialUnsigned is returned for session
	// credentials that carry no identity signature yet.
	ErrCredentialUnsigned = errors.New("seal: session credential not signed")

	// ErrDecodeError means the key was recovered but the
	// payload could not be opened or decoded.
	ErrDecodeError = errors.New("seal: payload could not be decoded")

	// ErrIndexingTimeout means a freshly written chain
	// object was not readable after all attempts. The
	// write itself most likely succeeded.
	ErrIndexingTimeout = errors.New("seal: object not indexed yet")
)

// Retryable reports whether the caller may try the
// same operation again without changing its inputs.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrThresholdNotMet)
}

// Terminal reports whether retrying cannot help until
// the caller changes something (policy, credential or
// data).
func Terminal(err error) bool {
	return errors.Is(err, ErrNoAccess) ||
		errors.Is(err, ErrPolicyMismatch) ||
		errors.Is(err, ErrDecodeError) ||
		errors.Is(err, ErrCredentialExpired) ||
		errors.Is(err, ErrCredentialUnsigned) ||
		errors.Is(err, ErrEncryptionFailed)
}

// Soft reports whether err describes an unconfirmed but
// probably committed write. Callers should inform the
// user and offer a manual refresh.
func Soft(err error) bool {
	return errors.Is(err, ErrIndexingTimeout)
}
