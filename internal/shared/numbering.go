package shared

import "fmt"

// DocumentNumber renders a sequence value as a document number,
// e.g. prefix "YGN-INV" and value 42 become "YGN-INV-0042". Values past
// four digits widen naturally.
func DocumentNumber(prefix string, value int64) string {
	return fmt.Sprintf("%s-%04d", prefix, value)
}
