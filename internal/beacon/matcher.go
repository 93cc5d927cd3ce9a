package beacon

import (
	"sort"
	"strings"
)

// minSignificantHex is the minimum number of hex digits, after stripping
// leading zeros, for a candidate MAC to be considered at all. Shorter
// strings are padding or garbage.
const minSignificantHex = 4

type patternRule struct {
	fragment string
	mac      string
}

// Matcher resolves observed MAC strings to canonical beacon MACs. Trackers
// truncate, zero-pad and byte-reverse MACs depending on firmware, so beyond
// exact lookup the matcher tries containment, 8-character prefixes and the
// byte-reversed form, then falls back to configured fragment patterns for
// devices that mangle a MAC beyond structural recovery.
type Matcher struct {
	defs     map[string]Definition
	known    []string
	patterns []patternRule
}

// NewMatcher builds a matcher over the configured beacon definitions and
// fragment patterns. Definition keys and pattern targets are canonical
// 12-hex-digit MACs.
func NewMatcher(defs map[string]Definition, patterns map[string]string) *Matcher {
	m := &Matcher{defs: make(map[string]Definition, len(defs))}
	for mac, def := range defs {
		mac = Normalize(mac)
		def.MAC = mac
		m.defs[mac] = def
		m.known = append(m.known, mac)
	}
	sort.Strings(m.known)

	for frag, mac := range patterns {
		m.patterns = append(m.patterns, patternRule{fragment: Normalize(frag), mac: Normalize(mac)})
	}
	sort.Slice(m.patterns, func(i, j int) bool {
		if m.patterns[i].fragment != m.patterns[j].fragment {
			return m.patterns[i].fragment < m.patterns[j].fragment
		}
		return m.patterns[i].mac < m.patterns[j].mac
	})
	return m
}

// Normalize lowercases a MAC and strips separator characters.
func Normalize(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, ":", "")
	return strings.ReplaceAll(mac, "-", "")
}

// KnownMACs returns the canonical MACs in sorted order.
func (m *Matcher) KnownMACs() []string {
	return m.known
}

// Definition returns the definition for a canonical MAC.
func (m *Matcher) Definition(mac string) (Definition, bool) {
	def, ok := m.defs[mac]
	return def, ok
}

// Match resolves an observed MAC to a canonical beacon MAC. Returns false
// for MACs that resolve to no known beacon.
func (m *Matcher) Match(observed string) (string, bool) {
	mac := Normalize(observed)

	stripped := strings.TrimLeft(mac, "0")
	if len(stripped) < minSignificantHex {
		return "", false
	}

	if _, ok := m.defs[mac]; ok {
		return mac, true
	}

	// Rules are tried in order of confidence across all known MACs, so a
	// strong containment hit on one beacon is never shadowed by a weaker
	// prefix hit on another.
	for _, full := range m.known {
		fullStripped := strings.TrimLeft(full, "0")
		if strings.Contains(full, mac) || strings.Contains(mac, full) {
			return full, true
		}
		if strings.Contains(fullStripped, stripped) || strings.Contains(stripped, fullStripped) {
			return full, true
		}
	}

	// FMC003 firmware truncates MACs to their first 8 hex digits.
	prefix := stripped
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	for _, full := range m.known {
		if prefix == full[:8] {
			return full, true
		}
	}

	reversed := reverseBytes(mac)
	for _, full := range m.known {
		if strings.Contains(full, reversed) || strings.Contains(reversed, full) {
			return full, true
		}
	}

	for _, p := range m.patterns {
		if strings.Contains(mac, p.fragment) {
			return p.mac, true
		}
	}

	return "", false
}

// NearMiss reports whether an unmatched MAC shares a distinctive fragment
// with a known beacon. Used to log candidates worth adding to the
// configured definitions.
func (m *Matcher) NearMiss(observed string) bool {
	mac := Normalize(observed)
	for _, full := range m.known {
		if strings.Contains(mac, full[:4]) || strings.Contains(mac, full[len(full)-4:]) {
			return true
		}
	}
	return false
}

// reverseBytes reverses a hex string byte-pair-wise, covering trackers that
// report MACs in reversed byte order. An odd trailing digit stays in place.
func reverseBytes(mac string) string {
	n := len(mac) / 2 * 2
	out := make([]byte, 0, len(mac))
	for i := n - 2; i >= 0; i -= 2 {
		out = append(out, mac[i], mac[i+1])
	}
	return string(append(out, mac[n:]...))
}
