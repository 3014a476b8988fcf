package sealerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		terminal  bool
		soft      bool
	}{
		{"storage", ErrStorageUnavailable, true, false, false},
		{"threshold", ErrThresholdNotMet, true, false, false},
		{"no access", ErrNoAccess, false, true, false},
		{"policy mismatch", ErrPolicyMismatch, false, true, false},
		{"decode", ErrDecodeError, false, true, false},
		{"expired", ErrCredentialExpired, false, true, false},
		{"unsigned", ErrCredentialUnsigned, false, true, false},
		{"encryption", ErrEncryptionFailed, false, true, false},
		{"indexing", ErrIndexingTimeout, false, false, true},
		{"unrelated", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.retryable, Retryable(wrapped))
			assert.Equal(t, tt.terminal, Terminal(wrapped))
			assert.Equal(t, tt.soft, Soft(wrapped))
		})
	}
}
