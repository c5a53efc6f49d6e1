package core

import "fmt"

// FlattenHeaders normalizes a platform-native property bag into the flat
// string-to-string header map carried on StreamEvent. Byte slices decode as
// UTF-8 strings; other typed values render with their default formatting.
func FlattenHeaders(props map[string]interface{}) map[string]string {
	if len(props) == 0 {
		return nil
	}

	headers := make(map[string]string, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case nil:
			headers[k] = ""
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprintf("%v", val)
		}
	}
	return headers
}
