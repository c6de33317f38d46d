package security

import "strings"

// AdminSet is the set of wallet addresses allowed to decide requests.
type AdminSet struct {
	addrs map[string]struct{}
}

func NewAdminSet(addresses []string) *AdminSet {
	s := &AdminSet{addrs: make(map[string]struct{}, len(addresses))}
	for _, a := range addresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			s.addrs[a] = struct{}{}
		}
	}
	return s
}

// Allows reports whether actor is an admin. Comparison ignores case.
func (s *AdminSet) Allows(actor string) bool {
	_, ok := s.addrs[strings.ToLower(strings.TrimSpace(actor))]
	return ok
}

func (s *AdminSet) Len() int { return len(s.addrs) }
