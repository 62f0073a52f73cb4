package triage

// IsVisible reports whether a record scoped to zones may be seen by a team
// holding teamZones. An unscoped record is visible to everyone.
func IsVisible(zones, teamZones []string) bool {
	if len(zones) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(teamZones))
	for _, z := range teamZones {
		held[z] = struct{}{}
	}
	for _, z := range zones {
		if _, ok := held[z]; ok {
			return true
		}
	}
	return false
}
