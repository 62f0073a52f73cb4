package triage

// CalculatePriority maps SSVC decision points to a deployer priority. Rows are
// evaluated top-down and the first match wins. Safety impact does not take
// part in the decision yet; it is accepted so callers pass the full service
// context.
func CalculatePriority(
	exploitation Exploitation,
	automatable Automatable,
	mission MissionImpact,
	_ SafetyImpact,
) Priority {
	exploitation, automatable, mission = normalizeDecisionPoints(exploitation, automatable, mission)

	switch {
	case exploitation == ExploitationActive && automatable == AutomatableYes:
		return PriorityImmediate
	case exploitation == ExploitationActive && automatable == AutomatableNo,
		exploitation == ExploitationPublicPoC && automatable == AutomatableYes:
		return PriorityOutOfCycle
	case exploitation == ExploitationPublicPoC && automatable == AutomatableNo && mission != MissionDegraded:
		return PriorityScheduled
	case exploitation == ExploitationNone && automatable == AutomatableYes:
		return PriorityScheduled
	case exploitation == ExploitationNone && isMissionCritical(mission):
		return PriorityScheduled
	}
	return PriorityDefer
}

func isMissionCritical(m MissionImpact) bool {
	switch m {
	case MissionFailure, MissionMEFFailure, MissionMEFSupportCrippled:
		return true
	}
	return false
}

// normalizeDecisionPoints fills unset values: no known exploitation, not
// automatable, and a service whose mission impact was never assessed counts
// as mission critical.
func normalizeDecisionPoints(
	e Exploitation,
	a Automatable,
	m MissionImpact,
) (Exploitation, Automatable, MissionImpact) {
	if e == "" {
		e = ExploitationNone
	}
	if a == "" {
		a = AutomatableNo
	}
	if m == "" {
		m = MissionFailure
	}
	return e, a, m
}
