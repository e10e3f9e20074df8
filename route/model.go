// Package route builds the canonical routing model for one reconciliation
// pass: deduplicated, conflict-resolved, and in a stable order so that an
// unchanged set of containers always renders byte-identical output.
package route

import (
	"context"
	"sort"

	"github.com/containerd/log"

	"github.com/wtnb75/dlabeld/traefik"
)

// ConflictPolicy picks the surviving rule when two containers claim the
// same path. It must be commutative so the winner does not depend on
// processing order.
type ConflictPolicy func(a, b traefik.Rule) traefik.Rule

// LowestContainerID is the default policy: the rule owned by the
// lexicographically lowest container ID wins. Ties within one container
// fall back to the router name.
func LowestContainerID(a, b traefik.Rule) traefik.Rule {
	if a.ContainerID != b.ContainerID {
		if a.ContainerID < b.ContainerID {
			return a
		}
		return b
	}
	if a.Router < b.Router {
		return a
	}
	return b
}

// Dropped records a rule that lost conflict resolution, for diagnostics.
type Dropped struct {
	ContainerID   string
	ContainerName string
	Router        string
	Prefix        string
}

// Model is the ordered set of active routing rules.
type Model struct {
	Rules   []traefik.Rule
	Dropped []Dropped
}

type locationKey struct {
	prefix string
	exact  bool
}

// Build collapses extracted rules into a Model. It is total: any input,
// including conflicting or empty, produces a well-formed model. Conflicts
// on an identical path are resolved by policy (nil means
// LowestContainerID) and the losers recorded, never merged.
func Build(ctx context.Context, rules []traefik.Rule, policy ConflictPolicy) Model {
	if policy == nil {
		policy = LowestContainerID
	}

	winners := map[locationKey]traefik.Rule{}
	var dropped []Dropped
	for _, r := range rules {
		key := locationKey{prefix: r.Prefix, exact: r.Exact}
		prev, ok := winners[key]
		if !ok {
			winners[key] = r
			continue
		}
		winner := policy(prev, r)
		loser := prev
		if winner.ContainerID == prev.ContainerID && winner.Router == prev.Router {
			loser = r
		}
		winners[key] = winner
		dropped = append(dropped, Dropped{
			ContainerID:   loser.ContainerID,
			ContainerName: loser.ContainerName,
			Router:        loser.Router,
			Prefix:        loser.Prefix,
		})
		log.G(ctx).WithFields(log.Fields{
			"prefix":  key.prefix,
			"kept":    winner.ContainerName,
			"dropped": loser.ContainerName,
		}).Warn("duplicate path claimed by multiple containers")
	}

	m := Model{Rules: make([]traefik.Rule, 0, len(winners)), Dropped: dropped}
	for _, r := range winners {
		m.Rules = append(m.Rules, r)
	}
	// Longest prefix first so specific routes are never shadowed; the
	// container ID breaks ties to keep ordering reproducible.
	sort.Slice(m.Rules, func(i, j int) bool {
		a, b := m.Rules[i], m.Rules[j]
		if len(a.Prefix) != len(b.Prefix) {
			return len(a.Prefix) > len(b.Prefix)
		}
		if a.ContainerID != b.ContainerID {
			return a.ContainerID < b.ContainerID
		}
		if a.Prefix != b.Prefix {
			return a.Prefix < b.Prefix
		}
		return !a.Exact && b.Exact
	})
	sort.Slice(m.Dropped, func(i, j int) bool {
		a, b := m.Dropped[i], m.Dropped[j]
		if a.Prefix != b.Prefix {
			return a.Prefix < b.Prefix
		}
		return a.ContainerID < b.ContainerID
	})
	return m
}
