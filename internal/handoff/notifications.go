package handoff

import "sync"

// PendingNotifications remembers which claim notification each operator
// received for each queued user, so they can be retracted once the user is
// claimed or leaves. Memory only; lost on restart.
type PendingNotifications struct {
	mu     sync.Mutex
	byUser map[string]map[string]string // user -> operator -> notification ref
}

// NewPendingNotifications returns an empty set.
func NewPendingNotifications() *PendingNotifications {
	return &PendingNotifications{byUser: make(map[string]map[string]string)}
}

// Record stores the ref of the notification sent to operatorID about userID.
func (p *PendingNotifications) Record(userID, operatorID, ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs, ok := p.byUser[userID]
	if !ok {
		refs = make(map[string]string)
		p.byUser[userID] = refs
	}
	refs[operatorID] = ref
}

// Take removes and returns every ref recorded for userID, keyed by operator.
func (p *PendingNotifications) Take(userID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs := p.byUser[userID]
	delete(p.byUser, userID)
	return refs
}

// Count returns how many notifications are outstanding for userID.
func (p *PendingNotifications) Count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byUser[userID])
}
