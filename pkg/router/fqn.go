package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// maxScanPorts caps a normalised port list.
const maxScanPorts = 1024

// ParseFQN validates and canonicalises an operator-supplied fully
// qualified host name "{name}@{location-nodeId}". The location segment may
// be percent-encoded when it arrives via a URL; it is decoded and any
// spaces become hyphens, matching how the aggregator stores FQNs.
func ParseFQN(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, "@") != 1 {
		return "", fmt.Errorf("invalid host identifier %q: expected name@location", raw)
	}

	parts := strings.SplitN(raw, "@", 2)
	name := strings.TrimSpace(parts[0])
	loc := strings.TrimSpace(parts[1])
	if name == "" || loc == "" {
		return "", fmt.Errorf("invalid host identifier %q: empty name or location", raw)
	}

	// Path semantics: "%20" decodes to a space but a literal "+" stays a
	// plus, since the FQN arrives as a URL path segment.
	decoded, err := url.PathUnescape(loc)
	if err != nil {
		return "", fmt.Errorf("invalid host identifier %q: bad percent encoding: %w", raw, err)
	}
	decoded = strings.ReplaceAll(decoded, " ", "-")

	return name + "@" + decoded, nil
}

// normalizePortList filters a requested port list down to valid TCP ports:
// integers in [1, 65535], deduplicated, ascending, capped at maxScanPorts.
func normalizePortList(ports []int) []int {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	if len(out) > maxScanPorts {
		out = out[:maxScanPorts]
	}
	return out
}
