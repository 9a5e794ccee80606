package events

import (
	"sort"
	"sync"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/models"
)

// GlobalSubscriptionUID is the well-known UID that addresses the global
// subscription resource.
const GlobalSubscriptionUID = "1.2.840.10008.5.1.4.34.5"

type subKey struct {
	aeTitle     string
	workitemUID string
}

// SubscriptionManager is the single authority on subscription state.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[subKey]*models.Subscription
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[subKey]*models.Subscription)}
}

// Subscribe records interest of aeTitle in one workitem. Subscribing again
// replaces the previous record (lock and filter updates included).
func (m *SubscriptionManager) Subscribe(aeTitle, workitemUID string, deletionLock bool, eventTypes []models.EventType) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &models.Subscription{
		AETitle:      aeTitle,
		WorkitemUID:  workitemUID,
		DeletionLock: deletionLock,
		EventTypes:   append([]models.EventType(nil), eventTypes...),
		CreatedAt:    time.Now().UTC(),
	}
	m.subs[subKey{aeTitle, workitemUID}] = sub
	return sub.Clone()
}

// SubscribeGlobal records interest of aeTitle in all workitems.
func (m *SubscriptionManager) SubscribeGlobal(aeTitle string, deletionLock bool, eventTypes []models.EventType) *models.Subscription {
	return m.Subscribe(aeTitle, "", deletionLock, eventTypes)
}

// Unsubscribe removes a subscription; absent keys are a no-op.
func (m *SubscriptionManager) Unsubscribe(aeTitle, workitemUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subKey{aeTitle, workitemUID})
}

// Suspend marks a subscription suspended; delivery skips it while the
// interest stays registered. Returns false when the subscription is absent.
func (m *SubscriptionManager) Suspend(aeTitle, workitemUID string) bool {
	return m.setSuspended(aeTitle, workitemUID, true)
}

// Resume clears the suspended mark.
func (m *SubscriptionManager) Resume(aeTitle, workitemUID string) bool {
	return m.setSuspended(aeTitle, workitemUID, false)
}

func (m *SubscriptionManager) setSuspended(aeTitle, workitemUID string, suspended bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subKey{aeTitle, workitemUID}]
	if !ok {
		return false
	}
	sub.Suspended = suspended
	return true
}

// HasDeleteLock reports whether any subscriber holds a deletion lock that
// covers the workitem (workitem-scoped or global).
func (m *SubscriptionManager) HasDeleteLock(workitemUID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if !sub.DeletionLock {
			continue
		}
		if sub.Global() || sub.WorkitemUID == workitemUID {
			return true
		}
	}
	return false
}

// SubscriptionsForWorkitem returns subscriptions scoped to the workitem.
func (m *SubscriptionManager) SubscriptionsForWorkitem(workitemUID string) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Subscription
	for _, sub := range m.subs {
		if sub.WorkitemUID == workitemUID {
			out = append(out, sub.Clone())
		}
	}
	sortSubs(out)
	return out
}

// SubscriptionsForAETitle returns every subscription of one AE title.
func (m *SubscriptionManager) SubscriptionsForAETitle(aeTitle string) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Subscription
	for _, sub := range m.subs {
		if sub.AETitle == aeTitle {
			out = append(out, sub.Clone())
		}
	}
	sortSubs(out)
	return out
}

// SubscriptionsForEvent returns the union of matching workitem-scoped and
// matching global subscriptions interested in the event.
func (m *SubscriptionManager) SubscriptionsForEvent(ev models.Event) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Subscription
	for _, sub := range m.subs {
		if sub.InterestedIn(ev) {
			out = append(out, sub.Clone())
		}
	}
	sortSubs(out)
	return out
}

// Count returns the number of registered subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func sortSubs(subs []*models.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].AETitle != subs[j].AETitle {
			return subs[i].AETitle < subs[j].AETitle
		}
		return subs[i].WorkitemUID < subs[j].WorkitemUID
	})
}
