package resolver

import "reflect"

// MergeThreeWay computes a deterministic structural merge of two
// competing edits against a common base. "Ours" wins on any key absent
// from or changed in base; "theirs" then wins on any key it also
// changed. The ours-then-theirs precedence is fixed so the merge is
// reproducible for identical inputs.
func MergeThreeWay(base, ours, theirs map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(ours)+len(theirs))
	for k, v := range base {
		merged[k] = v
	}

	for k, v := range ours {
		baseVal, inBase := base[k]
		if !inBase || !reflect.DeepEqual(baseVal, v) {
			merged[k] = v
		}
	}

	for k, v := range theirs {
		baseVal, inBase := base[k]
		if !inBase || !reflect.DeepEqual(baseVal, v) {
			merged[k] = v
		}
	}

	return merged
}
