package extracthtml

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
)

// Validate checks that both selectors are present and parse.
//
// goquery silently matches nothing for a selector it cannot compile, which
// would surface as a misleading "selectors did not match" warning, so bad
// syntax is rejected here instead.
func (s Selectors) Validate() error {
	if err := validateSelector("query_selector", s.Query); err != nil {
		return err
	}
	return validateSelector("response_selector", s.Response)
}

func validateSelector(name, sel string) error {
	if strings.TrimSpace(sel) == "" {
		return fmt.Errorf("%s is empty", name)
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, sel, err)
	}
	return nil
}
