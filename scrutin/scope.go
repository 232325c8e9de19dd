package scrutin

import "fmt"

// Scope is the multi-tenant context that every operation carries
// explicitly. Nothing in the backend relies on ambient tenant state.
type Scope struct {
	TenantID        string `json:"tenantId"`
	ElectionEventID string `json:"electionEventId"`
}

func (s Scope) Validate() error {
	if s.TenantID == "" {
		return ConfigErr("scope: missing tenant id")
	}
	if s.ElectionEventID == "" {
		return ConfigErr("scope: missing election event id")
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s", s.TenantID, s.ElectionEventID)
}
