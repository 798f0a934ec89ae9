package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, c := range errorCodes {
		wrapped := fmt.Errorf("room r1: %w", c.err)
		assert.Equal(t, c.code, ErrorCode(wrapped))
		assert.ErrorIs(t, ErrorForCode(c.code), c.err)
	}
	assert.Equal(t, "internal_error", ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorForCode("internal_error"))
}
