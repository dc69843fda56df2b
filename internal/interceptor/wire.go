package interceptor

import "log/slog"

// The upstream encodes function-call arguments with a variable-length
// tag scheme over JSON arrays (spec §4.3.1):
//
//	len==1 -> null
//	len==2 -> number:  v[1]
//	len==3 -> string:  v[2]
//	len==4 -> boolean: v[3] == 1
//	len==5 -> object:  recurse on v[4], a list of [name, value] pairs
//	len==6 -> array:   each element of v[5] recursively decoded
//
// Arguments arrive wrapped in one or more extra list levels. unwrapToParamList
// peels wrapper levels (descending into the first element each time) until
// it finds a "parameter list": a list whose first element is itself a
// [string, value] pair. It does not stop at a tag-length shape: if it
// reaches a non-list first element before any parameter list, the
// arguments decode to an empty map. When decoding array items, the
// parameter-list check takes priority over tag-length dispatch (§9 design
// note) -- without it, objects nested inside arrays get re-wrapped as
// {"x":["value"]} instead of {"x":"value"}.

const maxUnwrapDepth = 10

func looksLikeParamList(v any) bool {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	first, ok := list[0].([]any)
	if !ok || len(first) < 2 {
		return false
	}
	_, ok = first[0].(string)
	return ok
}

func unwrapToParamList(args any, logger *slog.Logger) []any {
	current := args
	for range maxUnwrapDepth {
		list, ok := current.([]any)
		if !ok || len(list) == 0 {
			return nil
		}
		if looksLikeParamList(list) {
			return list
		}
		next, ok := list[0].([]any)
		if !ok {
			return nil
		}
		current = next
	}
	if logger != nil {
		logger.Warn("max unwrap depth reached", "args", args)
	}
	return nil
}

// parseToolcallParams decodes a wire-format argument list into a
// name -> value map, recursing through the tag-length scheme above.
func parseToolcallParams(args any, logger *slog.Logger) map[string]any {
	params := unwrapToParamList(args, logger)
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for _, p := range params {
		pair, ok := p.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		name, ok := pair[0].(string)
		if !ok {
			continue
		}
		out[name] = decodeTagged(pair[1], logger)
	}
	return out
}

// decodeTagged decodes a single tag-length-encoded value.
func decodeTagged(value any, logger *slog.Logger) any {
	v, ok := value.([]any)
	if !ok {
		return value
	}
	switch len(v) {
	case 1:
		return nil
	case 2:
		return v[1]
	case 3:
		return v[2]
	case 4:
		b, _ := v[3].(float64)
		return b == 1
	case 5:
		if v[4] == nil {
			return map[string]any{}
		}
		return parseToolcallParams(v[4], logger)
	case 6:
		items, ok := v[5].([]any)
		if !ok {
			return []any{}
		}
		return parseArrayItems(items, logger)
	default:
		if logger != nil {
			logger.Debug("unknown param type length", "len", len(v))
		}
		return value
	}
}

// parseArrayItems decodes each element of an array value (tag length 6).
func parseArrayItems(items []any, logger *slog.Logger) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, parseSingleArrayItem(item, logger))
	}
	return out
}

// parseSingleArrayItem decodes one array element, which may itself be a
// param-list (object), a tagged scalar, or an extra wrapper level.
func parseSingleArrayItem(item any, logger *slog.Logger) any {
	list, ok := item.([]any)
	if !ok {
		return item
	}
	if len(list) == 0 {
		return nil
	}
	if looksLikeParamList(list) {
		return parseToolcallParams([]any{list}, logger)
	}

	switch len(list) {
	case 1:
		if inner, ok := list[0].([]any); ok {
			return parseSingleArrayItem(inner, logger)
		}
		return nil
	case 2:
		if list[0] == nil && list[1] != nil {
			return list[1]
		}
		if inner, ok := list[0].([]any); ok {
			return parseSingleArrayItem(inner, logger)
		}
		return list[1]
	case 3:
		if list[0] == nil && list[1] == nil {
			return list[2]
		}
		if inner, ok := list[0].([]any); ok {
			return parseSingleArrayItem(inner, logger)
		}
		return list[2]
	case 4:
		if list[0] == nil && list[1] == nil && list[2] == nil {
			b, _ := list[3].(float64)
			return b == 1
		}
		if inner, ok := list[0].([]any); ok {
			return parseSingleArrayItem(inner, logger)
		}
		b, _ := list[3].(float64)
		return b == 1
	case 5:
		if list[4] != nil {
			return parseToolcallParams(list[4], logger)
		}
		return map[string]any{}
	case 6:
		if nested, ok := list[5].([]any); ok {
			return parseArrayItems(nested, logger)
		}
		return []any{}
	default:
		if inner, ok := list[0].([]any); ok {
			return parseSingleArrayItem(inner, logger)
		}
		return item
	}
}
