package fastpath

import (
	"strings"
)

// RegisterBuiltins installs the stock routes. They cover the handful
// of household commands frequent enough to deserve a planner bypass.
func RegisterBuiltins(r *Router) error {
	// "turn on the kitchen lights", "switch off bedroom light". The
	// article stays in the capture: the device name is matched as the
	// user spoke it.
	err := r.Register(
		`(?i)^\s*(?:please\s+)?(?:turn|switch)\s+(on|off)\s+((?:the\s+)?.+?)\s+lights?\s*[.!]?\s*$`,
		"homey",
		"Toggle a light by room name",
		func(m []string) map[string]any {
			return map[string]any{
				"action":      "control_device",
				"device_name": strings.TrimSpace(m[2]) + " light",
				"capability":  "onoff",
				"value":       strings.EqualFold(m[1], "on"),
			}
		},
	)
	if err != nil {
		return err
	}

	// "what's the price at <url>"
	err = r.Register(
		`(?i)^\s*(?:what'?s|check)\s+the\s+price\s+(?:at|of|on)\s+(https?://\S+)\s*\??\s*$`,
		"price_tracker",
		"One-off price check for a product URL",
		func(m []string) map[string]any {
			return map[string]any{"action": "check", "url": m[1]}
		},
	)
	return err
}
