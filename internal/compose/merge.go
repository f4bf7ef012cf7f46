package compose

// MergeHandler customizes merging for one settings key. It receives both
// sides and returns the merged value.
type MergeHandler func(base, overlay any) any

// MergeWithHandlers deep-merges overlay onto base. Maps merge recursively,
// everything else is replaced by the overlay value. Handlers, keyed by
// top-level setting name, take precedence over the default rules; the stock
// handlers below cover list-valued settings that accumulate across layers.
func MergeWithHandlers(base, overlay map[string]any, handlers map[string]MergeHandler) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		if h, ok := handlers[k]; ok {
			out[k] = h(out[k], ov)
			continue
		}
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bm, bok := bv.(map[string]any)
		om, ook := ov.(map[string]any)
		if bok && ook {
			out[k] = MergeWithHandlers(bm, om, nil)
			continue
		}
		out[k] = ov
	}
	return out
}

// AppendUnique merges two list values, keeping base order and appending
// overlay entries not already present. Non-list inputs fall back to replace.
func AppendUnique(base, overlay any) any {
	bl, bok := base.([]any)
	ol, ook := overlay.([]any)
	if !ook {
		return overlay
	}
	if !bok {
		return overlay
	}
	out := append([]any(nil), bl...)
	for _, v := range ol {
		dup := false
		for _, existing := range out {
			if deepEqual(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
