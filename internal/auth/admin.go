package auth

import "context"

// AdminSet decides admin rights from a configured list of user ids and,
// for the caller of the current request, the role in their token.
type AdminSet struct {
	ids map[string]struct{}
}

// NewAdminSet creates a set from ids. Empty ids are ignored.
func NewAdminSet(ids []string) *AdminSet {
	set := &AdminSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			set.ids[id] = struct{}{}
		}
	}
	return set
}

// IsAdmin reports whether userID may decide check-ins. A token role only
// counts when the token belongs to userID.
func (s *AdminSet) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if _, ok := s.ids[userID]; ok {
		return true, nil
	}
	if claims, ok := FromContext(ctx); ok && claims.Subject == userID && claims.Role == RoleAdmin {
		return true, nil
	}
	return false, nil
}
