// Package identity derives deterministic entity/edge identifiers and
// provides canonical name normalization and similarity scoring, grounded
// on the source's uuid_utils module.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// Config toggles deterministic-id mode and the normalization strategy
// used when deriving ids; set once at process start from environment
// variables (USE_DETERMINISTIC_IDS, DEDUP_ENHANCED_NORMALIZATION).
type Config struct {
	Deterministic bool
	Enhanced      bool
}

var dnsNamespace = uuid.NameSpaceDNS

// namespaceFor builds the nested v5 namespace for a given scope string,
// e.g. "graphiti.entity.<tenant>" or "graphiti.edge.<tenant>".
func namespaceFor(scope string) uuid.UUID {
	return uuid.NewSHA1(dnsNamespace, []byte(scope))
}

// EntityID derives the deterministic id for an entity from its name and
// tenant, or a random v4 id when deterministic mode is off. An explicit
// caller-supplied id (handled by the caller, not here) always wins.
func (c Config) EntityID(name, tenant string) string {
	if !c.Deterministic {
		return uuid.NewString()
	}
	ns := namespaceFor("graphiti.entity." + tenant)
	return uuid.NewSHA1(ns, []byte(c.Normalize(name))).String()
}

// EdgeID derives the deterministic id for an edge from its endpoints,
// relation name, and tenant, or a random v4 id when deterministic mode
// is off.
func (c Config) EdgeID(sourceID, targetID, relName, tenant string) string {
	if !c.Deterministic {
		return uuid.NewString()
	}
	ns := namespaceFor("graphiti.edge." + tenant)
	rel := strings.ToUpper(relName)
	if rel == "" {
		rel = "RELATES_TO"
	}
	key := sourceID + "|" + targetID + "|" + rel
	return uuid.NewSHA1(ns, []byte(key)).String()
}

// Normalize applies basic or enhanced normalization depending on c.Enhanced.
func (c Config) Normalize(name string) string {
	if c.Enhanced {
		return NormalizeEnhanced(name)
	}
	return NormalizeBasic(name)
}
