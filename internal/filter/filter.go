// Package filter implements the client-side row-level accept/drop decision
// for messages arriving on the event stream.
package filter

import (
	"strings"
	"sync"

	"github.com/agentbus/agentbus/internal/bus"
)

// Filter decides whether a stream-delivered message is addressed to this
// daemon. The decision depends only on the message and the current filter
// state; set updates are whole-set replacement and take effect on the next
// call to ShouldDeliver.
type Filter struct {
	machineID string

	mu         sync.RWMutex
	agentIDs   map[string]struct{}
	sessionIDs map[string]struct{}
	channels   map[string]struct{}
}

// New creates a filter for this machine's identity.
func New(machineID string) *Filter {
	return &Filter{
		machineID:  machineID,
		agentIDs:   make(map[string]struct{}),
		sessionIDs: make(map[string]struct{}),
		channels:   make(map[string]struct{}),
	}
}

// ShouldDeliver applies the row-level rules in order:
//
//  1. broadcast delivery mode → accept
//  2. channel message without a direct address → accept iff member
//  3. direct address → accept iff it references this machine, one of its
//     agents, or one of its sessions
//  4. otherwise → drop
func (f *Filter) ShouldDeliver(msg *bus.Message) bool {
	if msg.DeliveryMode() == bus.DeliveryBroadcast {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if msg.ChannelID != "" && msg.TargetAddress == "" {
		_, member := f.channels[msg.ChannelID]
		return member
	}

	if msg.TargetAddress != "" {
		if f.machineID != "" && strings.Contains(msg.TargetAddress, f.machineID) {
			return true
		}
		for id := range f.agentIDs {
			if strings.Contains(msg.TargetAddress, id) {
				return true
			}
		}
		for id := range f.sessionIDs {
			if strings.Contains(msg.TargetAddress, id) {
				return true
			}
		}
		return false
	}

	return false
}

// UpdateSessionIDs replaces the session-id set.
func (f *Filter) UpdateSessionIDs(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionIDs = toSet(ids)
}

// UpdateAgentIDs replaces the agent-id set.
func (f *Filter) UpdateAgentIDs(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentIDs = toSet(ids)
}

// UpdateMemberships replaces the channel-membership set.
func (f *Filter) UpdateMemberships(channels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = toSet(channels)
}

// SessionIDs returns the current session-id set.
func (f *Filter) SessionIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fromSet(f.sessionIDs)
}

// Memberships returns the current channel-membership set.
func (f *Filter) Memberships() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fromSet(f.channels)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
