package subscriptions

import "github.com/BearBump/GeoSync/internal/models"

// Policy maps a collection to the roles allowed to subscribe to it.
// Collections missing from the policy are denied.
type Policy map[string][]models.Role

func DefaultPolicy() Policy {
	return Policy{
		models.CollectionLocations: {models.RoleResponder, models.RoleAdmin},
		models.CollectionAuditLogs: {models.RoleAdmin},
	}
}

func (p Policy) Allows(collection string, role models.Role) bool {
	for _, r := range p[collection] {
		if r == role {
			return true
		}
	}
	return false
}
