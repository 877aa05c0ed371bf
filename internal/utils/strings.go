// Package utils holds helpers shared by the ledger and profile clients.
package utils

// MaskKey shortens a collaborator API key for log fields. Keys under 16
// characters are hidden entirely.
func MaskKey(key string) string {
	switch {
	case key == "":
		return "(empty)"
	case len(key) < 16:
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
