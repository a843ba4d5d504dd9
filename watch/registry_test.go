package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
)

func testEvent(collective model.CollectiveID, csn uint64) model.WatchEvent {
	return model.WatchEvent{
		ExperienceID: model.NewExperienceID(),
		CollectiveID: collective,
		Type:         model.EventCreated,
		Timestamp:    model.Now(),
		CSN:          csn,
	}
}

func testExperience(collective model.CollectiveID, domain []string, importance float32) *model.Experience {
	return &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: collective,
		Content:      "x",
		Type:         model.Generic{},
		Importance:   importance,
		Domain:       domain,
		SourceAgent:  "a",
	}
}

func TestPublishDelivers(t *testing.T) {
	r := NewRegistry(10, nil)
	collective := model.NewCollectiveID()
	sub := r.Subscribe(collective, nil)
	defer sub.Close()

	for csn := uint64(1); csn <= 3; csn++ {
		r.Publish(testEvent(collective, csn), testExperience(collective, nil, 0.5))
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, want, ev.CSN, "events arrive in CSN order")
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestPublishIsolatedByCollective(t *testing.T) {
	r := NewRegistry(10, nil)
	c1, c2 := model.NewCollectiveID(), model.NewCollectiveID()
	sub := r.Subscribe(c1, nil)
	defer sub.Close()

	r.Publish(testEvent(c2, 1), testExperience(c2, nil, 0.5))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for other collective: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackpressureDropsNeverBlocks(t *testing.T) {
	drops := 0
	r := NewRegistry(2, func() { drops++ })
	collective := model.NewCollectiveID()
	sub := r.Subscribe(collective, nil)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for csn := uint64(1); csn <= 5; csn++ {
			r.Publish(testEvent(collective, csn), testExperience(collective, nil, 0.5))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(3), sub.Lag())
	assert.Equal(t, 3, drops)

	// The two buffered events survive, in order (a gap, not a reorder).
	ev := <-sub.Events()
	assert.Equal(t, uint64(1), ev.CSN)
	ev = <-sub.Events()
	assert.Equal(t, uint64(2), ev.CSN)
}

func TestSubscriberFilter(t *testing.T) {
	r := NewRegistry(10, nil)
	collective := model.NewCollectiveID()
	minImp := float32(0.7)
	sub := r.Subscribe(collective, &model.WatchFilter{
		Domains:       []string{"go"},
		MinImportance: &minImp,
	})
	defer sub.Close()

	r.Publish(testEvent(collective, 1), testExperience(collective, []string{"rust"}, 0.9))
	r.Publish(testEvent(collective, 2), testExperience(collective, []string{"go"}, 0.1))
	r.Publish(testEvent(collective, 3), testExperience(collective, []string{"go"}, 0.9))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, uint64(3), ev.CSN)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDetaches(t *testing.T) {
	r := NewRegistry(10, nil)
	collective := model.NewCollectiveID()
	sub := r.Subscribe(collective, nil)
	require.Equal(t, 1, r.SubscriberCount(collective))

	sub.Close()
	sub.Close() // idempotent
	assert.Equal(t, 0, r.SubscriberCount(collective))

	// Channel is closed after reap.
	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after close must not panic.
	r.Publish(testEvent(collective, 1), testExperience(collective, nil, 0.5))
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(10, nil)
	collective := model.NewCollectiveID()
	s1 := r.Subscribe(collective, nil)
	s2 := r.Subscribe(collective, nil)

	r.CloseAll()
	_, open := <-s1.Events()
	assert.False(t, open)
	_, open = <-s2.Events()
	assert.False(t, open)
	assert.Equal(t, 0, r.SubscriberCount(collective))
}

func TestPoller(t *testing.T) {
	collective := model.NewCollectiveID()
	var calls int
	fetch := func(since uint64) ([]model.WatchEvent, uint64, error) {
		calls++
		if since >= 2 {
			return nil, since, nil
		}
		return []model.WatchEvent{
			testEvent(collective, since + 1),
			testEvent(collective, since + 2),
		}, since + 2, nil
	}

	p := NewPoller(fetch, 0, 10*time.Millisecond, 10)
	defer p.Stop()

	var got []uint64
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-p.Events():
			got = append(got, ev.CSN)
		case <-timeout:
			t.Fatal("timed out waiting for polled events")
		}
	}
	assert.Equal(t, []uint64{1, 2}, got)
}
