package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

func TestErrorClassification(t *testing.T) {
	gone := Gone("conn-1", errors.New("410"))
	transient := Transient("timeout", errors.New("i/o timeout"))

	assert.True(t, IsGone(gone))
	assert.False(t, IsTransient(gone))
	assert.True(t, IsGone(fmt.Errorf("send: %w", gone)))

	assert.True(t, IsTransient(transient))
	assert.False(t, IsGone(transient))

	assert.False(t, IsGone(errors.New("plain")))
	assert.False(t, IsTransient(nil))

	var appErr *apperrors.AppError
	assert.True(t, errors.As(gone, &appErr))
	assert.Equal(t, "conn-1", appErr.Details["connection_id"])
}

func TestSenderFunc(t *testing.T) {
	var got string
	s := SenderFunc(func(ctx context.Context, id string, payload []byte) error {
		got = id + ":" + string(payload)
		return nil
	})

	assert.NoError(t, s.Send(context.Background(), "a", []byte("hi")))
	assert.Equal(t, "a:hi", got)
}
