// Copyright 2025 The wspubsub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// mockSubscriber test double for the dispatch-facing connection surface
type mockSubscriber struct {
	id       uint64
	frames   chan []byte
	overflow int
}

func newMockSubscriber(id uint64, capacity int) *mockSubscriber {
	return &mockSubscriber{id: id, frames: make(chan []byte, capacity)}
}

func (m *mockSubscriber) SubscriberID() uint64 { return m.id }

func (m *mockSubscriber) Deliver(frame []byte) {
	select {
	case m.frames <- frame:
	default:
		m.overflow++
	}
}

// checkIndexIntegrity verify the forward and reverse indices mirror each
// other, and that no empty forward entry survives
func checkIndexIntegrity(assert *assert.Assertions, registry SubscriptionRegistry) {
	impl, ok := registry.(*subscriptionRegistryImpl)
	assert.True(ok)
	impl.lock.RLock()
	defer impl.lock.RUnlock()
	for key, conns := range impl.forward {
		assert.Greater(len(conns), 0)
		for id := range conns {
			assert.True(impl.reverse[id][key])
		}
	}
	for id, keys := range impl.reverse {
		assert.Greater(len(keys), 0)
		for key := range keys {
			_, present := impl.forward[key][id]
			assert.True(present)
		}
	}
}

func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetSubscriptionRegistry("ut-registry")
	assert.Nil(err)

	sub1 := newMockSubscriber(1, 4)
	sub2 := newMockSubscriber(2, 4)

	// Case 0: invalid names rejected
	assert.NotNil(uut.Subscribe(sub1, "", "session-A"))
	assert.NotNil(uut.Subscribe(sub1, "t|1", "session-A"))
	assert.NotNil(uut.Subscribe(sub1, "updates", "s:1"))

	// Case 1: subscribe is idempotent
	assert.Nil(uut.Subscribe(sub1, "updates", "session-A"))
	assert.Nil(uut.Subscribe(sub1, "updates", "session-A"))
	assert.Len(uut.Subscribers("updates", "session-A"), 1)
	assert.Len(uut.Subscriptions(sub1), 1)
	checkIndexIntegrity(assert, uut)

	// Case 2: same topic, different session is a different coordinate
	assert.Nil(uut.Subscribe(sub2, "updates", "session-B"))
	assert.Len(uut.Subscribers("updates", "session-A"), 1)
	assert.Len(uut.Subscribers("updates", "session-B"), 1)
	checkIndexIntegrity(assert, uut)

	// Case 3: unsubscribe is idempotent, and unknown coordinates are a no-op
	assert.Nil(uut.Unsubscribe(sub1, "updates", "session-A"))
	assert.Nil(uut.Unsubscribe(sub1, "updates", "session-A"))
	assert.Nil(uut.Unsubscribe(sub1, "never-subscribed", "session-A"))
	assert.Empty(uut.Subscribers("updates", "session-A"))
	assert.Empty(uut.Subscriptions(sub1))
	checkIndexIntegrity(assert, uut)

	// Empty forward entries are pruned
	impl, ok := uut.(*subscriptionRegistryImpl)
	assert.True(ok)
	impl.lock.RLock()
	_, present := impl.forward[subscriptionKey{topic: "updates", session: "session-A"}]
	impl.lock.RUnlock()
	assert.False(present)
}

func TestRegistryRemove(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionRegistry("ut-registry-remove")
	assert.Nil(err)

	sub1 := newMockSubscriber(1, 4)
	sub2 := newMockSubscriber(2, 4)

	assert.Nil(uut.Subscribe(sub1, "updates", "session-A"))
	assert.Nil(uut.Subscribe(sub1, "alerts", "session-A"))
	assert.Nil(uut.Subscribe(sub1, "updates", "session-B"))
	assert.Nil(uut.Subscribe(sub2, "updates", "session-A"))

	uut.Remove(sub1)
	assert.Empty(uut.Subscriptions(sub1))
	assert.Empty(uut.Subscribers("alerts", "session-A"))
	assert.Empty(uut.Subscribers("updates", "session-B"))
	// Other connections are untouched
	assert.Len(uut.Subscribers("updates", "session-A"), 1)
	checkIndexIntegrity(assert, uut)

	// Remove is idempotent
	uut.Remove(sub1)
	checkIndexIntegrity(assert, uut)
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionRegistry("ut-registry-snapshot")
	assert.Nil(err)

	sub1 := newMockSubscriber(1, 4)
	sub2 := newMockSubscriber(2, 4)
	assert.Nil(uut.Subscribe(sub1, "updates", "session-A"))
	assert.Nil(uut.Subscribe(sub2, "updates", "session-A"))

	snapshot := uut.Subscribers("updates", "session-A")
	assert.Len(snapshot, 2)

	// Mutating the registry after the snapshot must not change it
	assert.Nil(uut.Unsubscribe(sub2, "updates", "session-A"))
	assert.Len(snapshot, 2)
	assert.Len(uut.Subscribers("updates", "session-A"), 1)
}

func TestRegistryConcurrentChurn(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionRegistry("ut-registry-churn")
	assert.Nil(err)

	topics := []string{"t0", "t1", "t2", "t3"}
	wg := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			sub := newMockSubscriber(id, 4)
			for itr := 0; itr < 200; itr++ {
				topic := topics[itr%len(topics)]
				_ = uut.Subscribe(sub, topic, "session-churn")
				_ = uut.Subscribers(topic, "session-churn")
				if itr%3 == 0 {
					_ = uut.Unsubscribe(sub, topic, "session-churn")
				}
			}
			uut.Remove(sub)
		}(uint64(worker + 100))
	}
	wg.Wait()

	// Quiescent: all workers removed themselves
	for _, topic := range topics {
		assert.Empty(uut.Subscribers(topic, "session-churn"))
	}
	checkIndexIntegrity(assert, uut)
}
