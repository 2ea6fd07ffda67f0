package feed

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studybuddy/internal/models"
)

func TestBrokerDeliversOnlyToGroup(t *testing.T) {
	broker := NewBroker()

	var got []Event
	sub := broker.Subscribe("g1", func(e Event) { got = append(got, e) })
	defer sub.Unsubscribe()

	broker.Publish(models.GroupMessage{ID: "m1", GroupID: "g1"})
	broker.Publish(models.GroupMessage{ID: "m2", GroupID: "g2"})
	broker.Publish(models.GroupMessage{ID: "m3", GroupID: "g1"})

	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Message.ID)
	assert.Equal(t, "m3", got[1].Message.ID)
	assert.Equal(t, EventInsert, got[0].Kind)
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()

	var count int32
	sub := broker.Subscribe("g1", func(Event) { atomic.AddInt32(&count, 1) })
	broker.Publish(models.GroupMessage{ID: "m1", GroupID: "g1"})

	sub.Unsubscribe()
	sub.Unsubscribe()
	broker.Publish(models.GroupMessage{ID: "m2", GroupID: "g1"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.Equal(t, 0, broker.Subscribers("g1"))
}

func TestBrokerUnsubscribeWaitsForInFlightHandler(t *testing.T) {
	broker := NewBroker()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	sub := broker.Subscribe("g1", func(Event) {
		close(entered)
		<-release
		finished.Store(true)
	})

	go broker.Publish(models.GroupMessage{ID: "m1", GroupID: "g1"})
	<-entered

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sub.Unsubscribe()
		assert.True(t, finished.Load(), "unsubscribe returned while handler was running")
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
}

func TestBrokerResyncReachesAllGroups(t *testing.T) {
	broker := NewBroker()

	var kinds []string
	var mu sync.Mutex
	record := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, string(e.Kind)+":"+e.GroupID)
	}
	defer broker.Subscribe("g1", record).Unsubscribe()
	defer broker.Subscribe("g2", record).Unsubscribe()

	broker.Resync()

	assert.ElementsMatch(t, []string{"resync:g1", "resync:g2"}, kinds)
}
