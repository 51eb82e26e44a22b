package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := New(CodePriceBelowFloor, "price %s below floor %s", "0.40", "0.45")
	assert.True(t, errors.Is(err, ErrPriceBelowFloor))
	assert.False(t, errors.Is(err, ErrAlreadyProcessed))

	wrapped := fmt.Errorf("confirm: %w", err)
	assert.True(t, errors.Is(wrapped, ErrPriceBelowFloor))
	assert.Equal(t, CodePriceBelowFloor, CodeOf(wrapped))
}

func TestCodeOf_ForeignError(t *testing.T) {
	err := errors.New("disk on fire")
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, ErrInternal.Message, MessageOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeInternal, cause, "load market %s", "m1")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "load market m1")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrMarketNotFound, http.StatusNotFound},
		{ErrRequestNotFound, http.StatusNotFound},
		{ErrNonPositiveQuantity, http.StatusBadRequest},
		{ErrMissingSignature, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusForbidden},
		{ErrAlreadyProcessed, http.StatusConflict},
		{ErrPriceBelowFloor, http.StatusConflict},
		{ErrConsistency, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(CodeOf(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
