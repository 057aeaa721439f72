package workflow

// Zip pairs field lists by index into one record per position. The record
// count is the length of the shortest non-empty list; nil and empty fields
// take no part and are left out of every record. Scalars count as
// one-element lists. order fixes which fields are considered.
func Zip(fields map[string]any, order []string) []map[string]any {
	lists := make(map[string][]any, len(order))
	n := -1
	for _, name := range order {
		list := asList(fields[name])
		if len(list) == 0 {
			continue
		}
		lists[name] = list
		if n < 0 || len(list) < n {
			n = len(list)
		}
	}
	if n <= 0 {
		return nil
	}

	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		rec := make(map[string]any, len(lists))
		for name, list := range lists {
			rec[name] = list[i]
		}
		out = append(out, rec)
	}
	return out
}

func asList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
