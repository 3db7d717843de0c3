package conference

import (
	"fmt"
	"strconv"
	"strings"
)

// rotationPolicy is a weighted round-robin speaker selector parsed from a
// textual pattern like "host:2,guest,skeptic:1". A participant with weight w
// gets w turns for every turn of a weight-1 participant; ties fall back to
// pattern order, so a fresh policy always opens with the first entry.
type rotationPolicy struct {
	entries []policyEntry
	indexOf map[string]int
}

type policyEntry struct {
	name   string
	weight int
	turns  int
	words  int
}

func parseRotationPattern(pattern string) (*rotationPolicy, error) {
	policy := &rotationPolicy{indexOf: map[string]int{}}
	for _, field := range strings.Split(pattern, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, fmt.Errorf("rotation pattern %q contains an empty entry", pattern)
		}

		name, weightSpec, hasWeight := strings.Cut(field, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("rotation pattern entry %q has no participant name", field)
		}

		weight := 1
		if hasWeight {
			parsed, err := strconv.Atoi(strings.TrimSpace(weightSpec))
			if err != nil || parsed < 1 {
				return nil, fmt.Errorf("rotation pattern entry %q has an invalid weight", field)
			}
			weight = parsed
		}

		if _, exists := policy.indexOf[name]; exists {
			return nil, fmt.Errorf("rotation pattern lists %q twice", name)
		}
		policy.indexOf[name] = len(policy.entries)
		policy.entries = append(policy.entries, policyEntry{name: name, weight: weight})
	}

	if len(policy.entries) > maxParticipants {
		return nil, fmt.Errorf("rotation pattern names %d participants, at most %d are supported",
			len(policy.entries), maxParticipants)
	}
	return policy, nil
}

func (p *rotationPolicy) size() int { return len(p.entries) }

func (p *rotationPolicy) participants() []string {
	names := make([]string, len(p.entries))
	for i, entry := range p.entries {
		names[i] = entry.name
	}
	return names
}

// next picks the participant furthest behind its weighted share and counts
// the turn against it.
func (p *rotationPolicy) next() (string, int) {
	best := 0
	bestRatio := float64(p.entries[0].turns) / float64(p.entries[0].weight)
	for i := 1; i < len(p.entries); i++ {
		ratio := float64(p.entries[i].turns) / float64(p.entries[i].weight)
		if ratio < bestRatio {
			best, bestRatio = i, ratio
		}
	}
	p.entries[best].turns++
	return p.entries[best].name, best
}

func (p *rotationPolicy) recordWords(name string, words int) {
	if i, ok := p.indexOf[name]; ok {
		p.entries[i].words += words
	}
}

func (p *rotationPolicy) participantName(index int) (string, bool) {
	if index < 0 || index >= len(p.entries) {
		return "", false
	}
	return p.entries[index].name, true
}

// resetCounters zeroes turn and word statistics, restarting the rotation
// from the top of the pattern.
func (p *rotationPolicy) resetCounters() {
	for i := range p.entries {
		p.entries[i].turns = 0
		p.entries[i].words = 0
	}
}

func (p *rotationPolicy) stats() string {
	parts := make([]string, 0, len(p.entries))
	for _, entry := range p.entries {
		parts = append(parts, fmt.Sprintf("%s turns=%d words=%d", entry.name, entry.turns, entry.words))
	}
	return strings.Join(parts, ", ")
}
