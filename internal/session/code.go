package session

import "fmt"

// generateSessionCode builds the human-readable P###S### code from a
// 3-digit patient code and a per-patient sequence number.
func generateSessionCode(patientCode string, seq int) string {
	return fmt.Sprintf("%sS%03d", patientCode, seq%1000)
}
