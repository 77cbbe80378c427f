package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskpipe/internal/statestore"
)

// Membership is the group register: every live instance keeps a TTL'd
// member key refreshed by heartbeat. The sorted member list is the shared
// input every instance feeds into the same assignment computation.
type Membership struct {
	store    statestore.Store
	group    string
	instance string
	ttl      time.Duration
}

type memberInfo struct {
	InstanceID string    `json:"instance_id"`
	JoinedAt   time.Time `json:"joined_at"`
}

func NewMembership(store statestore.Store, group, instance string, ttl time.Duration) *Membership {
	return &Membership{store: store, group: group, instance: instance, ttl: ttl}
}

// Join registers the instance. Heartbeat is the same write, so a member
// key lost to a missed beat heals on the next one.
func (m *Membership) Join(ctx context.Context) error {
	raw, err := json.Marshal(memberInfo{InstanceID: m.instance, JoinedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal member info: %w", err)
	}
	if err := m.store.Set(ctx, m.key(m.instance), raw, m.ttl); err != nil {
		return fmt.Errorf("join group %s: %w", m.group, err)
	}
	return nil
}

func (m *Membership) Heartbeat(ctx context.Context) error {
	return m.Join(ctx)
}

func (m *Membership) Leave(ctx context.Context) error {
	if err := m.store.Delete(ctx, m.key(m.instance)); err != nil {
		return fmt.Errorf("leave group %s: %w", m.group, err)
	}
	return nil
}

// Members returns the live instance ids, sorted.
func (m *Membership) Members(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("member:%s:", m.group)
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", m.group, err)
	}
	members := make([]string, 0, len(keys))
	for _, k := range keys {
		members = append(members, strings.TrimPrefix(k, prefix))
	}
	return members, nil
}

func (m *Membership) key(instance string) string {
	return fmt.Sprintf("member:%s:%s", m.group, instance)
}
