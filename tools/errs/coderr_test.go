package errs

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCode(t *testing.T) {
	err := ErrRoomClosed.WrapMsg("send rejected", "roomId", "r1")
	require.Error(t, err)
	assert.True(t, Is(err, ErrRoomClosed))
	assert.False(t, Is(err, ErrNotConnected))
	assert.Equal(t, RoomClosed, Code(err))
	assert.Contains(t, err.Error(), "roomId=r1")

	outer := fmt.Errorf("session: %w", err)
	assert.True(t, stderrors.Is(outer, ErrRoomClosed))
}

func TestWithDetailDoesNotMutateTemplate(t *testing.T) {
	d := ErrTimeout.WithDetail("getChatRoom")
	assert.Equal(t, "getChatRoom", d.Detail)
	assert.Empty(t, ErrTimeout.Detail)
	assert.Equal(t, "1007 request timed out getChatRoom", d.Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, 0, Code(stderrors.New("boom")))
	assert.Nil(t, Wrap(nil))
	assert.Nil(t, ErrPanic(nil))
	assert.Equal(t, ServerInternalError, Code(ErrPanic("oops")))
	assert.Equal(t, 409, HTTPStatus(AssignConflict))
}
