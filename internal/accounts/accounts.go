// Package accounts enumerates the AWS accounts vigil audits.
package accounts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var accountPattern = regexp.MustCompile(`^\d{12}$`)

// Static is a fixed, configured list of accounts.
type Static struct {
	ids []string
}

// NewStatic validates and de-duplicates ids, keeping their order.
func NewStatic(ids []string) (*Static, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !accountPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid account id %q", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return &Static{ids: out}, nil
}

// Accounts returns a copy of the configured ids.
func (s *Static) Accounts(context.Context) ([]string, error) {
	return append([]string(nil), s.ids...), nil
}

// Contains reports whether id is configured.
func (s *Static) Contains(id string) bool {
	for _, v := range s.ids {
		if v == id {
			return true
		}
	}
	return false
}
