package audit

import "fmt"

// MatchGroup collects every row, from either source, sharing one normalized
// key tuple. A key present in only one source still produces a group with the
// other side empty.
type MatchGroup struct {
	Key       string
	RemoteIDs []string
	LogLines  []int
	Values    map[string]*string
}

// RemoteOnly reports whether the key appeared only in Flywheel.
func (g *MatchGroup) RemoteOnly() bool { return len(g.LogLines) == 0 }

// LogOnly reports whether the key appeared only in the transfer log.
func (g *MatchGroup) LogOnly() bool { return len(g.RemoteIDs) == 0 }

// MatchRows groups both row sets by normalized key and outer-joins them.
// Group order is first appearance: Flywheel rows in input order, then
// transfer-log rows whose keys were not already seen. Inputs are never
// mutated.
func MatchRows(cfg *Config, remote []*RemoteRow, logRows []*LogRow) []*MatchGroup {
	index := make(map[string]*MatchGroup)
	var groups []*MatchGroup

	group := func(key string, values map[string]*string) *MatchGroup {
		g, ok := index[key]
		if !ok {
			g = &MatchGroup{Key: key, Values: values}
			index[key] = g
			groups = append(groups, g)
		}
		return g
	}

	for _, row := range remote {
		g := group(matchKey(cfg, row.MatchValues()), row.MatchValues())
		g.RemoteIDs = append(g.RemoteIDs, row.ID)
	}
	for _, row := range logRows {
		g := group(matchKey(cfg, row.MatchValues()), row.MatchValues())
		line, _ := row.Line()
		g.LogLines = append(g.LogLines, line)
	}
	return groups
}

// classifyGroup returns the error text for a group, or "" when the group is
// fully reconciled. A Flywheel-only group whose containers are all known to be
// structurally empty reports that instead of the generic missing error.
func classifyGroup(cfg *Config, g *MatchGroup, emptyIDs map[string]struct{}) string {
	switch {
	case g.RemoteOnly():
		if allEmpty(g.RemoteIDs, emptyIDs) {
			return fmt.Sprintf("%s contains no files", cfg.Join)
		}
		return fmt.Sprintf("%s in flywheel not present in transfer_log", cfg.Join)
	case g.LogOnly():
		return fmt.Sprintf("%s in transfer_log not present in flywheel", cfg.Join)
	case len(g.RemoteIDs) > len(g.LogLines):
		return fmt.Sprintf("%d more records in flywheel than in transfer_log", len(g.RemoteIDs)-len(g.LogLines))
	case len(g.RemoteIDs) < len(g.LogLines):
		return fmt.Sprintf("%d more records in transfer_log than in flywheel", len(g.LogLines)-len(g.RemoteIDs))
	default:
		return ""
	}
}

func allEmpty(ids []string, emptyIDs map[string]struct{}) bool {
	if len(emptyIDs) == 0 {
		return false
	}
	for _, id := range ids {
		if _, ok := emptyIDs[id]; !ok {
			return false
		}
	}
	return true
}

// matchedIDs returns the Flywheel ids covered by a transfer-log line: for each
// group present in both sources, the first min(count) ids. With
// match_containers_once these are suppressed from error expansion so a
// container that reconciled once is not also flagged by a stale duplicate.
func matchedIDs(groups []*MatchGroup) map[string]struct{} {
	out := make(map[string]struct{})
	for _, g := range groups {
		if g.RemoteOnly() || g.LogOnly() {
			continue
		}
		n := len(g.RemoteIDs)
		if len(g.LogLines) < n {
			n = len(g.LogLines)
		}
		for _, id := range g.RemoteIDs[:n] {
			out[id] = struct{}{}
		}
	}
	return out
}

// reconciledIDs returns the Flywheel ids in equal-count groups, the ones the
// runner may annotate as validated.
func reconciledIDs(cfg *Config, groups []*MatchGroup, emptyIDs map[string]struct{}) []string {
	var out []string
	for _, g := range groups {
		if classifyGroup(cfg, g, emptyIDs) != "" {
			continue
		}
		out = append(out, g.RemoteIDs...)
	}
	return out
}
