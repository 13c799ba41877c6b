package capability

import (
	"fmt"
	"strings"

	"codebridge/internal/protocol"
)

// VerifyError lists the registry entries that disagree with the catalog.
type VerifyError struct {
	Missing []string
	Extra   []string
}

func (e *VerifyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ", "))
	}
	return fmt.Sprintf("registry does not match capability catalog: %s", strings.Join(parts, "; "))
}

// Verify checks that reg handles every kind implemented by sides and nothing
// outside them.
func Verify(reg *protocol.Registry, sides ...Side) error {
	want := make(map[Side]bool, len(sides))
	for _, s := range sides {
		want[s] = true
	}

	var verr VerifyError
	for k := Kind(0); k < kindCount; k++ {
		if want[k.Side()] && !reg.Has(k.Name()) {
			verr.Missing = append(verr.Missing, k.Name())
		}
	}
	for _, name := range reg.Names() {
		k, ok := Lookup(name)
		if !ok || !want[k.Side()] {
			verr.Extra = append(verr.Extra, name)
		}
	}

	if len(verr.Missing) > 0 || len(verr.Extra) > 0 {
		return &verr
	}
	return nil
}
