package triage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestVulnerabilityDeletionRemovesTicketsAndHistory(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.1")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	require.EqualValues(1, f.count(&ActionLog{}))

	require.NoError(f.engine.DeleteVulnerability(f.ctx, f.vulnerability.VulnID))

	for table, n := range f.rowCounts() {
		require.Zero(n, table)
	}
	require.Zero(f.count(&Action{}))
	require.Zero(f.count(&AffectedPackage{}))
}

func TestVulnerabilityUpdateDropsUnmatchedThreats(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")

	in := libVuln("CVE-2026-1000")
	in.VulnID = f.vulnerability.VulnID
	in.AffectedPackages = []AffectedPackageInput{{Name: "libbar", Ecosystem: "ubuntu-20.04"}}
	f.vuln(in)

	_, ok := f.ticket(f.dep, f.vulnerability)
	require.False(ok)
	require.EqualValues(1, f.count(&AffectedPackage{}))
}

func TestVulnerabilityUpsertByCve(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")

	in := libVuln("CVE-2026-1000", "<1.2")
	in.Exploitation = ExploitationActive
	in.Automatable = AutomatableYes
	updated := f.vuln(in)

	require.Equal(f.vulnerability.VulnID, updated.VulnID)
	require.EqualValues(1, f.count(&Vulnerability{}))
	require.Equal(PriorityImmediate, f.mustTicket(f.dep, f.vulnerability).Priority)
}

func TestVulnerabilityRejectsDuplicatePackages(t *testing.T) {
	f := newFixture(t)
	in := libVuln("CVE-2026-1001")
	in.AffectedPackages = append(in.AffectedPackages, AffectedPackageInput{Name: "libfoo", Ecosystem: "ubuntu-20.04"})

	_, err := f.engine.PutVulnerability(f.ctx, in)
	require.True(t, errors.Is(err, ErrDuplicatePackageDefinition))
	require.Zero(t, f.count(&Vulnerability{}))
}

func TestVulnerabilityUnknownZone(t *testing.T) {
	f := newFixture(t)
	in := libVuln("CVE-2026-1002")
	in.Zones = []string{"nowhere"}

	_, err := f.engine.PutVulnerability(f.ctx, in)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDependencyRemovalDeletesTicket(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")

	report, err := f.engine.ReplaceDependencies(f.ctx, f.service.ServiceID, nil)
	require.NoError(err)
	require.Equal(1, report.Deleted)

	for table, n := range f.rowCounts() {
		require.Zero(n, table)
	}
}

func TestTeamZoneChangeCreatesAndDeletesThreats(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.zone("eu")

	team := f.team("payments")
	dep := f.dependency(f.service(team, "api", MissionFailure), libfoo("1.0"))
	in := libVuln("CVE-2026-2000")
	in.Zones = []string{"eu"}
	vuln := f.vuln(in)

	_, ok := f.ticket(dep, vuln)
	require.False(ok, "zone scoped vulnerability is invisible")

	require.NoError(f.engine.SetTeamZones(f.ctx, team.TeamID, []string{"eu"}))
	f.mustTicket(dep, vuln)

	require.NoError(f.engine.SetTeamZones(f.ctx, team.TeamID, nil))
	_, ok = f.ticket(dep, vuln)
	require.False(ok)
}

func TestServiceImpactChangeReprioritises(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	require.Equal(PriorityScheduled, f.tk.Priority)

	require.NoError(f.engine.SetServiceImpact(f.ctx, f.service.ServiceID, MissionDegraded, SafetyNegligible))
	require.Equal(PriorityDefer, f.mustTicket(f.dep, f.vulnerability).Priority)
}

func TestDisabledTeamIsHiddenNotDeleted(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")

	require.NoError(f.engine.SetTeamDisabled(f.ctx, f.team.TeamID, true))
	views, err := f.engine.ListTickets(f.ctx, f.team.TeamID, TicketFilter{})
	require.NoError(err)
	require.Empty(views)
	_, err = f.engine.GetTicket(f.ctx, f.tk.TicketID)
	require.True(errors.Is(err, ErrNotFound))
	require.EqualValues(1, f.count(&Ticket{}))

	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	require.EqualValues(0, f.count(&TicketStatus{}))

	// Written behind the engine's back; only enabling the team picks it up.
	require.NoError(f.db.Model(&Dependency{}).
		Where("dependency_id = ?", f.dep.DependencyID).
		Update("version", "1.1").Error)
	require.NoError(f.engine.SetTeamDisabled(f.ctx, f.team.TeamID, false))

	views, err = f.engine.ListTickets(f.ctx, f.team.TeamID, TicketFilter{})
	require.NoError(err)
	require.Len(views, 1)
	require.Equal(StatusCompleted, views[0].Status)
}

func TestDeleteTeamRemovesEverything(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")
	require.NoError(f.engine.AddTeamMember(f.ctx, f.team.TeamID, "alice"))

	require.NoError(f.engine.DeleteTeam(f.ctx, f.team.TeamID))
	for table, n := range f.rowCounts() {
		require.Zero(n, table)
	}
	require.Zero(f.count(&Service{}))
	require.Zero(f.count(&Dependency{}))
	require.Zero(f.count(&TeamMember{}))
	require.EqualValues(1, f.count(&Vulnerability{}))
}

func TestTriggersAreIdempotent(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.1")
	f.action(ActionInput{
		VulnID:             f.vulnerability.VulnID,
		Text:               "upgrade",
		VulnerableVersions: VulnerableVersions{"libfoo": LegacyConstraint([]string{"<1.1"})},
	})
	before := f.rowCounts()

	triggers := []Trigger{
		{Kind: VulnerabilityChanged, ID: f.vulnerability.VulnID},
		{Kind: ActionChanged, ID: f.vulnerability.VulnID},
		{Kind: DependencyCreated, ID: f.dep.DependencyID},
		{Kind: DependencyVersionUpdated, ID: f.dep.DependencyID},
		{Kind: TeamZonesChanged, ID: f.team.TeamID},
		{Kind: TeamEnabled, ID: f.team.TeamID},
		{Kind: ServiceEnabled, ID: f.service.ServiceID},
		{Kind: ServiceImpactChanged, ID: f.service.ServiceID},
		{Kind: FullRescan},
	}
	for _, trigger := range triggers {
		for i := 0; i < 2; i++ {
			report, err := f.engine.Coordinator().Run(f.ctx, trigger)
			require.NoError(err, trigger.String())
			require.Zero(report.Created, trigger.String())
			require.Zero(report.Closed, trigger.String())
			require.Zero(report.Failed, trigger.String())
		}
		require.Equal(before, f.rowCounts(), trigger.String())
	}
}

func TestUnknownTriggerKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Coordinator().Run(f.ctx, Trigger{Kind: "bogus"})
	require.Error(t, err)
}

func TestInconsistentPairIsSkipped(t *testing.T) {
	require := require.New(t)
	f := newTicketFixture(t, "1.0")

	other := f.dependency(f.service, DependencyRow{Name: "libfoo", Ecosystem: "ubuntu-20.04", Version: "1.0", Target: "/opt"})
	require.NoError(f.db.Model(&Dependency{}).
		Where("dependency_id = ?", other.DependencyID).
		Update("package_id", "vanished").Error)

	report, err := f.engine.Coordinator().Run(f.ctx,
		Trigger{Kind: VulnerabilityChanged, ID: f.vulnerability.VulnID},
		Trigger{Kind: DependencyCreated, ID: other.DependencyID},
	)
	require.NoError(err)
	require.Equal(1, report.Failed)
	require.Equal(report.Total, report.Processed)
	f.mustTicket(f.dep, f.vulnerability)
}

func TestSubmitReportsProgress(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	team := f.team("payments")
	service := f.service(team, "api", MissionFailure)

	rows := []DependencyRow{}
	for i := 0; i < 20; i++ {
		rows = append(rows, DependencyRow{
			Name: "libfoo", Ecosystem: "ubuntu-20.04", Version: "1.0", Target: fmt.Sprintf("/srv/app%d", i),
		})
	}
	_, err := f.engine.ReplaceDependencies(f.ctx, service.ServiceID, rows)
	require.NoError(err)
	f.vuln(libVuln("CVE-2026-3000", "<1.1"))

	task := f.engine.Coordinator().Submit(f.ctx, Trigger{Kind: FullRescan})
	report, err := task.Wait()
	require.NoError(err)
	require.Equal(20, report.Total)
	require.Equal(20, report.Processed)

	done, total := task.Progress()
	require.Equal(20, done)
	require.Equal(20, total)
}

func TestSubmitCancel(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	team := f.team("payments")
	service := f.service(team, "api", MissionFailure)
	f.dependency(service, libfoo("1.0"))

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	task := f.engine.Coordinator().Submit(ctx, Trigger{Kind: FullRescan})
	task.Cancel()
	<-task.Done()

	_, err := task.Wait()
	require.Error(err)
	require.True(errors.Is(err, context.Canceled))
}

func TestConcurrentOverlappingTriggers(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	team := f.team("payments")
	api := f.service(team, "api", MissionFailure)
	batch := f.service(team, "batch", MissionDegraded)
	f.dependency(api, libfoo("1.0"))
	f.dependency(batch, libfoo("1.0"))
	vuln := f.vuln(libVuln("CVE-2026-3200", "<1.1"))

	for round := 0; round < 10; round++ {
		version := fmt.Sprintf("1.0.%d", round)
		g, ctx := errgroup.WithContext(f.ctx)
		for _, service := range []Service{api, batch} {
			g.Go(func() error {
				_, err := f.engine.ReplaceDependencies(ctx, service.ServiceID, []DependencyRow{libfoo(version)})
				return err
			})
		}
		g.Go(func() error {
			_, err := f.engine.Coordinator().Run(ctx, Trigger{Kind: VulnerabilityChanged, ID: vuln.VulnID})
			return err
		})
		require.NoError(g.Wait(), "round %d", round)
	}

	require.EqualValues(2, f.count(&Dependency{}))
	require.EqualValues(2, f.count(&Threat{}))
	require.EqualValues(2, f.count(&Ticket{}))

	var deps []Dependency
	require.NoError(f.db.Find(&deps).Error)
	for _, dep := range deps {
		require.Equal("1.0.9", dep.Version)
		f.mustTicket(dep, vuln)
	}
}

func TestCancelledPairsAreNotFailures(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	team := f.team("payments")
	service := f.service(team, "api", MissionFailure)

	rows := []DependencyRow{}
	for i := 0; i < 20; i++ {
		rows = append(rows, DependencyRow{
			Name: "libfoo", Ecosystem: "ubuntu-20.04", Version: "1.0", Target: fmt.Sprintf("/srv/app%d", i),
		})
	}
	_, err := f.engine.ReplaceDependencies(f.ctx, service.ServiceID, rows)
	require.NoError(err)
	f.vuln(libVuln("CVE-2026-3100", "<1.1"))

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	coordinator := NewCoordinator(f.db,
		WithWorkers(1),
		WithClock(func() time.Time {
			cancel()
			return testNow
		}),
	)

	report, err := coordinator.Run(ctx, Trigger{Kind: FullRescan})
	require.True(errors.Is(err, context.Canceled))
	require.Equal(20, report.Total)
	require.Zero(report.Failed)
	require.Less(report.Processed, report.Total)
}

// Threat(D, V) exists exactly when the package matches and V is visible to
// D's team, after any sequence of mutations.
func TestThreatExistsIffMatchAndVisible(t *testing.T) {
	f := newFixture(t)
	rnd := rand.New(rand.NewSource(7))

	zones := []string{"eu", "us", "apac"}
	for _, z := range zones {
		f.zone(z)
	}
	names := []string{"libfoo", "libbar", "libbaz"}
	pickZones := func() []string {
		picked := []string{}
		for _, z := range zones {
			if rnd.Intn(3) == 0 {
				picked = append(picked, z)
			}
		}
		return picked
	}

	teams := []Team{}
	services := []Service{}
	for i := 0; i < 3; i++ {
		team := f.team(fmt.Sprintf("team-%d", i), pickZones()...)
		teams = append(teams, team)
		services = append(services, f.service(team, "svc", MissionFailure))
	}

	vulnIDs := []string{}
	for step := 0; step < 30; step++ {
		switch rnd.Intn(4) {
		case 0:
			service := services[rnd.Intn(len(services))]
			rows := []DependencyRow{}
			for _, name := range names {
				if rnd.Intn(2) == 0 {
					rows = append(rows, DependencyRow{
						Name: name, Ecosystem: "ubuntu-20.04", ParentName: "libfamily",
						Version: "1.0", Target: "/",
					})
				}
			}
			_, err := f.engine.ReplaceDependencies(f.ctx, service.ServiceID, rows)
			require.NoError(t, err)
		case 1:
			in := VulnerabilityInput{CveID: fmt.Sprintf("CVE-2026-%04d", rnd.Intn(5)), Zones: pickZones()}
			for _, name := range append(names, "libfamily") {
				if rnd.Intn(3) == 0 {
					in.AffectedPackages = append(in.AffectedPackages, AffectedPackageInput{Name: name, Ecosystem: "ubuntu-20.04"})
				}
			}
			vuln := f.vuln(in)
			vulnIDs = append(vulnIDs, vuln.VulnID)
		case 2:
			team := teams[rnd.Intn(len(teams))]
			require.NoError(t, f.engine.SetTeamZones(f.ctx, team.TeamID, pickZones()))
		case 3:
			if len(vulnIDs) == 0 {
				continue
			}
			i := rnd.Intn(len(vulnIDs))
			err := f.engine.DeleteVulnerability(f.ctx, vulnIDs[i])
			if err != nil {
				require.True(t, errors.Is(err, ErrNotFound))
			}
			vulnIDs = append(vulnIDs[:i], vulnIDs[i+1:]...)
		}
		f.assertThreatsConsistent(t)
	}
}

func (f *fixture) assertThreatsConsistent(t *testing.T) {
	t.Helper()
	assert := assert.New(t)

	var deps []Dependency
	require.NoError(t, f.db.Find(&deps).Error)
	var vulns []Vulnerability
	require.NoError(t, f.db.Preload("AffectedPackages").Find(&vulns).Error)

	expected := 0
	for _, dep := range deps {
		dc, err := loadDependencyContext(f.db, dep.DependencyID)
		require.NoError(t, err)
		for _, vuln := range vulns {
			_, matched := matchedAffected(dc.Package, dc.Parent, vuln.AffectedPackages)
			live := matched && IsVisible(vuln.Zones, dc.Team.Zones)
			_, exists := f.ticket(dep, vuln)
			assert.Equal(live, exists, "dependency %s vulnerability %s", dep.DependencyID, vuln.CveID)
			if live {
				expected++
			}
		}
	}
	assert.EqualValues(expected, f.count(&Threat{}))
	assert.EqualValues(expected, f.count(&Ticket{}))
}
