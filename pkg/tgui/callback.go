package tgui

import "strings"

// Data formats inline callback data as "prefix:action" or
// "prefix:action:payload". Telegram caps callback data at 64 bytes.
func Data(prefix, action, payload string) string {
	if payload == "" {
		return prefix + ":" + action
	}
	return prefix + ":" + action + ":" + payload
}

// ParseData splits data produced by Data. ok is false when prefix does not match.
func ParseData(data, prefix string) (action, payload string, ok bool) {
	rest, found := strings.CutPrefix(data, prefix+":")
	if !found || rest == "" {
		return "", "", false
	}
	action, payload, _ = strings.Cut(rest, ":")
	return action, payload, true
}
