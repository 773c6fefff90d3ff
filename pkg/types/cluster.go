package types

import "time"

// Cluster is an opportunistic group of quanta sharing a theme. Clusters form
// when a new quantum is similar enough to the most recent members of an
// existing cluster; otherwise the quantum seeds a cluster of its own.
type Cluster struct {
	ID               string    `json:"id"`         // Format: cluster:uuid
	Theme            string    `json:"theme"`      // content type + leading terms, e.g. "error_log_disk.full.write"
	MemberIDs        []string  `json:"member_ids"` // In join order, newest last
	Strength         float64   `json:"strength"`   // Running mean of join similarities
	FormedAt         time.Time `json:"formed_at"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
}

// RecentMembers returns up to n of the most recently joined member ids.
func (c *Cluster) RecentMembers(n int) []string {
	if n <= 0 || len(c.MemberIDs) == 0 {
		return nil
	}
	if len(c.MemberIDs) <= n {
		return c.MemberIDs
	}
	return c.MemberIDs[len(c.MemberIDs)-n:]
}

// RemoveMember drops id from the cluster and reports whether it was present.
func (c *Cluster) RemoveMember(id string) bool {
	for i, m := range c.MemberIDs {
		if m == id {
			c.MemberIDs = append(c.MemberIDs[:i], c.MemberIDs[i+1:]...)
			return true
		}
	}
	return false
}
