package triage

import (
	"errors"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type ticketFixture struct {
	*fixture
	team          Team
	service       Service
	dep           Dependency
	vulnerability Vulnerability
	tk            Ticket
}

func newTicketFixture(t *testing.T, version string) *ticketFixture {
	t.Helper()
	f := newFixture(t)
	team := f.team("payments")
	service := f.service(team, "api", MissionFailure)
	dep := f.dependency(service, libfoo(version))
	vuln := f.vuln(libVuln("CVE-2026-1000", "<1.1"))
	return &ticketFixture{
		fixture:       f,
		team:          team,
		service:       service,
		dep:           dep,
		vulnerability: vuln,
		tk:            f.mustTicket(dep, vuln),
	}
}

func (f *ticketFixture) setStatus(actor string, req StatusRequest) (TicketStatus, error) {
	return f.engine.SetTicketStatus(f.ctx, f.tk.TicketID, actor, req)
}

func TestNewTicketIsAlertedWithoutHistory(t *testing.T) {
	f := newTicketFixture(t, "1.0")

	require.Equal(t, StatusAlerted, f.topicStatus(f.tk))
	require.Empty(t, f.history(f.tk))
	require.Equal(t, PriorityScheduled, f.tk.Priority)
}

func TestAutoCloseAfterVersionBump(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade libfoo to 1.1",
		PackageNames:       []string{"libfoo"},
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})

	require.Equal(StatusAlerted, f.topicStatus(f.tk))
	require.Empty(f.history(f.tk))

	require.NoError(f.engine.UpdateDependencyVersion(f.ctx, f.dep.DependencyID, "1.1"))

	history := f.history(f.tk)
	require.Len(history, 1)
	require.Equal(StatusCompleted, history[0].TopicStatus)
	require.Equal(SystemUserID, history[0].AuthoredBy)
	require.Len(history[0].ActionLogs, 1)
	require.Equal("upgrade libfoo to 1.1", history[0].ActionLogs[0].Text)
	require.Equal(SystemUserID, history[0].ActionLogs[0].UserID)
}

func TestAutoCloseIsIdempotent(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.1")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	before := f.history(f.tk)
	require.Len(before, 1)

	tc := f.threatContext(t)
	for i := 0; i < 2; i++ {
		err := f.db.Transaction(func(tx *gorm.DB) error {
			result, err := f.engine.Coordinator().Lifecycle().TryAutoClose(tx, tc, f.tk)
			require.Equal(AutoCloseUnchanged, result)
			return err
		})
		require.NoError(err)
	}

	require.Equal(before, f.history(f.tk))
}

func TestAutoCloseAppendsWhenResolvingActionsChange(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.1")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	require.Len(f.history(f.tk), 1)

	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "rebuild",
		VulnerableVersions: VulnerableVersions{"libfoo": {State: VersionNotVulnerable}},
	})

	history := f.history(f.tk)
	require.Len(history, 2)
	require.Equal(StatusCompleted, history[1].TopicStatus)
	require.Len(history[1].ActionLogs, 2)
}

func TestAutoCloseLeavesTicketOpenOnUnknown(t *testing.T) {
	cases := map[string]VulnerableVersions{
		"empty legacy list":  {"libfoo": LegacyConstraint(nil)},
		"unparseable range":  {"libfoo": LegacyConstraint([]string{"<banana"})},
		"missing package":    {"libbar": LegacyConstraint([]string{"<1.1"})},
		"always vulnerable":  {"libfoo": {State: VersionAlways}},
		"still in the range": {"libfoo": LegacyConstraint([]string{"<2.0"})},
	}
	for name, versions := range cases {
		t.Run(name, func(t *testing.T) {
			f := newTicketFixture(t, "1.1")
			f.action(ActionInput{VulnID: f.vulnerability.VulnID, Text: "upgrade", VulnerableVersions: versions})
			require.Equal(t, StatusAlerted, f.topicStatus(f.tk))
		})
	}
}

func TestAutoCloseNeedsEveryVisibleActionSatisfied(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.1")
	f.zone("restricted")

	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "hidden hotfix",
		Zones:              []string{"restricted"},
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<9.0"})},
	})
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "other package",
		PackageNames:       []string{"libbar"},
		VulnerableVersions: VulnerableVersions{"libbar": {State: VersionAlways}},
	})
	require.Equal(StatusCompleted, f.topicStatus(f.tk))
	require.Len(f.history(f.tk)[0].ActionLogs, 1, "invisible and out-of-scope actions are ignored")

	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "config change",
		VulnerableVersions: VulnerableVersions{"libfoo": {State: VersionAlways}},
	})
	require.Len(f.history(f.tk), 1, "auto-close never reopens")
}

func TestAutoCloseRespectsUserCompletion(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	require.NoError(f.engine.AddTeamMember(f.ctx, f.team.TeamID, "alice"))

	_, err := f.setStatus("alice", StatusRequest{TopicStatus: StatusCompleted, Note: "mitigated"})
	require.NoError(err)

	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": {State: VersionNotVulnerable}},
	})

	history := f.history(f.tk)
	require.Len(history, 1)
	require.Equal("alice", history[0].AuthoredBy)
}

func TestSetStatusValidation(t *testing.T) {
	future := testNow.Add(24 * time.Hour)
	past := testNow.Add(-time.Hour)

	cases := []struct {
		name  string
		actor string
		req   StatusRequest
		ok    bool
	}{
		{"acknowledge", "bob", StatusRequest{TopicStatus: StatusAcknowledged}, true},
		{"alerted is system only", "alice", StatusRequest{TopicStatus: StatusAlerted}, false},
		{"unknown status", "alice", StatusRequest{TopicStatus: "fixed"}, false},
		{"scheduled without date", "alice", StatusRequest{TopicStatus: StatusScheduled}, false},
		{"scheduled with null date", "alice", StatusRequest{
			TopicStatus: StatusScheduled, ScheduledAt: optional.Some[*time.Time](nil),
		}, false},
		{"scheduled in the past", "alice", StatusRequest{
			TopicStatus: StatusScheduled, ScheduledAt: optional.Some(ptrTime(past)),
		}, false},
		{"scheduled in the future", "alice", StatusRequest{
			TopicStatus: StatusScheduled, ScheduledAt: optional.Some(ptrTime(future)),
		}, true},
		{"acknowledged with date", "alice", StatusRequest{
			TopicStatus: StatusAcknowledged, ScheduledAt: optional.Some(ptrTime(future)),
		}, false},
		{"resetting date of unscheduled ticket", "alice", StatusRequest{
			TopicStatus: StatusAcknowledged, ScheduledAt: optional.Some[*time.Time](nil),
		}, false},
		{"completed by member", "alice", StatusRequest{TopicStatus: StatusCompleted}, true},
		{"completed by outsider", "mallory", StatusRequest{TopicStatus: StatusCompleted}, false},
		{"completed for outsider", "alice", StatusRequest{
			TopicStatus: StatusCompleted, Assignees: []string{"alice", "mallory"},
		}, false},
		{"unknown action", "alice", StatusRequest{
			TopicStatus: StatusCompleted, ActionIDs: []string{"not-an-action"},
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			f := newTicketFixture(t, "1.0")
			require.NoError(f.engine.AddTeamMember(f.ctx, f.team.TeamID, "alice"))

			status, err := f.setStatus(tc.actor, tc.req)
			if !tc.ok {
				require.True(errors.Is(err, ErrInvalidTransition), "got %v", err)
				require.Empty(f.history(f.tk))
				return
			}
			require.NoError(err)
			require.Equal(tc.req.TopicStatus, status.TopicStatus)
			require.Equal(tc.actor, status.AuthoredBy)
			require.Len(f.history(f.tk), 1)
		})
	}
}

func TestSetStatusResetsScheduledDate(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	require.NoError(f.engine.AddTeamMember(f.ctx, f.team.TeamID, "alice"))

	future := testNow.Add(24 * time.Hour)
	scheduled, err := f.setStatus("alice", StatusRequest{
		TopicStatus: StatusScheduled, ScheduledAt: optional.Some(ptrTime(future)),
	})
	require.NoError(err)
	require.NotNil(scheduled.ScheduledAt)

	reset, err := f.setStatus("alice", StatusRequest{
		TopicStatus: StatusAcknowledged, ScheduledAt: optional.Some[*time.Time](nil),
	})
	require.NoError(err)
	require.Nil(reset.ScheduledAt)

	_, err = f.setStatus("alice", StatusRequest{
		TopicStatus: StatusAcknowledged, ScheduledAt: optional.Some[*time.Time](nil),
	})
	require.True(errors.Is(err, ErrInvalidTransition), "the ticket is no longer scheduled")
	require.Len(f.history(f.tk), 2)
}

func TestSetStatusDefaultsAssigneesAndRecordsActions(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	require.NoError(f.engine.AddTeamMember(f.ctx, f.team.TeamID, "alice"))
	action := f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})

	future := testNow.Add(48 * time.Hour)
	status, err := f.setStatus("alice", StatusRequest{
		TopicStatus: StatusScheduled,
		Note:        "next maintenance window",
		ScheduledAt: optional.Some(ptrTime(future)),
		ActionIDs:   []string{action.ActionID},
	})
	require.NoError(err)
	require.Equal([]string{"alice"}, status.Assignees)
	require.NotNil(status.ScheduledAt)
	require.True(future.Equal(*status.ScheduledAt))

	history := f.history(f.tk)
	require.Len(history, 1)
	require.Len(history[0].ActionLogs, 1)
	require.Equal(action.ActionID, history[0].ActionLogs[0].ActionID)
	require.Equal("alice", history[0].ActionLogs[0].UserID)
}

func TestSetStatusUnknownTicket(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetTicketStatus(f.ctx, "missing", "alice", StatusRequest{TopicStatus: StatusAcknowledged})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSetStatusAfterCompletionReopens(t *testing.T) {
	assert := assert.New(t)
	f := newTicketFixture(t, "1.1")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	assert.Equal(StatusCompleted, f.topicStatus(f.tk))

	_, err := f.setStatus("bob", StatusRequest{TopicStatus: StatusAcknowledged, Note: "not fixed in our build"})
	require.NoError(t, err)
	assert.Equal(StatusAcknowledged, f.topicStatus(f.tk))

	_, err = f.engine.Coordinator().Run(f.ctx, Trigger{Kind: ActionChanged, ID: f.vulnerability.VulnID})
	require.NoError(t, err)
	assert.Equal(StatusCompleted, f.topicStatus(f.tk), "a later recomputation may close it again")
	assert.Len(f.history(f.tk), 3)
}

func (f *ticketFixture) threatContext(t *testing.T) threatContext {
	t.Helper()
	dc, err := loadDependencyContext(f.db, f.dep.DependencyID)
	require.NoError(t, err)
	vuln, err := loadVulnerability(f.db, f.vulnerability.VulnID)
	require.NoError(t, err)
	return threatContext{dep: dc, vuln: vuln}
}
