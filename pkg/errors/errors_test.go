package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("join failed: %w", RoomFull("r1"))

	assert.True(t, Is(wrapped, CodeRoomFull))
	assert.False(t, Is(wrapped, CodeRoomLimit))
	assert.Equal(t, CodeRoomFull, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestConstructorsCarryStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, RoomLimit(50).Status)
	assert.Equal(t, http.StatusForbidden, NotAParty("nope").Status)
	assert.Equal(t, "NOT_FOUND: milestone not found", NotFound("milestone", nil).Error())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "room r1 already has the maximum number of participants", MessageOf(fmt.Errorf("wrap: %w", RoomFull("r1"))))
	assert.Equal(t, "plain", MessageOf(fmt.Errorf("plain")))
}
