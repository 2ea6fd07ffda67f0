package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubJoinMovesAndLeaves(t *testing.T) {
	hub := NewHub()
	a := ConnInfo{ConnID: "c1", UserID: "u1", ConnectedAt: time.Now()}
	b := ConnInfo{ConnID: "c2", UserID: "u1"}
	c := ConnInfo{ConnID: "c3", UserID: "u2"}

	hub.Join("g1", a)
	hub.Join("g1", b)
	hub.Join("g1", c)
	assert.Equal(t, []string{"u1", "u2"}, hub.Online("g1"))

	hub.Join("g2", c)
	assert.Equal(t, []string{"u1"}, hub.Online("g1"))
	assert.Equal(t, []string{"u2"}, hub.Online("g2"))
	groupID, ok := hub.GroupOf("c3")
	assert.True(t, ok)
	assert.Equal(t, "g2", groupID)

	hub.Leave("c1")
	hub.Leave("c2")
	hub.Leave("c2")
	assert.Empty(t, hub.Online("g1"))
	assert.Len(t, hub.rooms, 1)
}

func TestHubEvictUserLeavesOnlyThatUsersConnections(t *testing.T) {
	hub := NewHub()
	hub.Join("g1", ConnInfo{ConnID: "c1", UserID: "u1"})
	hub.Join("g1", ConnInfo{ConnID: "c2", UserID: "u1"})
	hub.Join("g1", ConnInfo{ConnID: "c3", UserID: "u2"})
	hub.Join("g2", ConnInfo{ConnID: "c4", UserID: "u1"})

	assert.Equal(t, 2, hub.EvictUser("g1", "u1"))
	assert.Equal(t, []string{"u2"}, hub.Online("g1"))
	assert.Equal(t, []string{"u1"}, hub.Online("g2"))
	assert.Equal(t, 0, hub.EvictUser("g1", "u1"))
}
