package internal

import "strconv"

// Flatten maps a decoded JSON payload to dotted keys so rule expressions can
// read nested fields: {"repository":{"full_name":"a/b"}} yields
// "repository.full_name". Arrays keep their value under their own key, add
// "<key>.count", and flatten elements as "<key>[i]".
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		walk(out, key, value)
	}
	return out
}

func walk(out map[string]interface{}, key string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		for child, nested := range v {
			walk(out, key+"."+child, nested)
		}
	case []interface{}:
		out[key] = v
		out[key+".count"] = float64(len(v))
		for i, nested := range v {
			walk(out, key+"["+strconv.Itoa(i)+"]", nested)
		}
	default:
		out[key] = v
	}
}
