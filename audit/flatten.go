package audit

import (
	"fmt"
	"strconv"
)

const (
	flattenMaxDepth = 16
	flattenMaxKeys  = 2000
)

// FlattenRecord flattens a nested dataview record into the dotted column
// names queries address (subject.info.SiteID, session.label). Array elements
// are indexed k[0]. Depth and key counts are capped so a pathological payload
// cannot blow up a run.
func FlattenRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		flattenInto(out, k, v, 0)
	}
	return out
}

func flattenInto(out map[string]any, prefix string, value any, depth int) {
	if len(out) >= flattenMaxKeys {
		return
	}
	if depth > flattenMaxDepth {
		out[prefix] = fmt.Sprintf("<max_depth:%d>", flattenMaxDepth)
		return
	}
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			flattenInto(out, prefix+"."+k, child, depth+1)
			if len(out) >= flattenMaxKeys {
				return
			}
		}
	case []any:
		for i, child := range v {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child, depth+1)
			if len(out) >= flattenMaxKeys {
				return
			}
		}
	default:
		out[prefix] = v
	}
}
