package nodes

// Config accessor helpers. Graph configs arrive as map[string]any decoded
// from JSON, so numbers are float64 and everything needs a type check.

func stringParam(config map[string]any, key, fallback string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func intParam(config map[string]any, key string, fallback int) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func mapParam(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
