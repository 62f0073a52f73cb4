package triage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TeamInput struct {
	Name           string
	Zones          []string
	AlertThreshold Priority
	AlertRecipient string
}

type ServiceInput struct {
	Name          string
	MissionImpact MissionImpact
	SafetyImpact  SafetyImpact
}

// CreateZone returns the zone with the given name, creating it if needed.
func (e *Engine) CreateZone(ctx context.Context, name string) (Zone, error) {
	zone := Zone{Name: name}
	err := e.db.WithContext(ctx).Where(Zone{Name: name}).FirstOrCreate(&zone).Error
	if err != nil {
		return zone, fmt.Errorf("could not create zone %s: %w", name, err)
	}
	return zone, nil
}

func (e *Engine) CreateTeam(ctx context.Context, in TeamInput) (Team, error) {
	if in.AlertThreshold != "" && !in.AlertThreshold.Valid() {
		return Team{}, fmt.Errorf("unknown alert threshold %q", in.AlertThreshold)
	}
	team := Team{
		Name:           in.Name,
		Zones:          uniqueStrings(in.Zones),
		AlertThreshold: in.AlertThreshold,
		AlertRecipient: in.AlertRecipient,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireZones(tx, team.Zones); err != nil {
			return err
		}
		if err := tx.Create(&team).Error; err != nil {
			return fmt.Errorf("could not create team %s: %w", in.Name, err)
		}
		return nil
	})
	return team, err
}

// SetTeamZones replaces the zones a team holds and re-evaluates which
// vulnerabilities it can see.
func (e *Engine) SetTeamZones(ctx context.Context, teamID string, zones []string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		if err := takeByID(tx, &team, "team_id", teamID, "team"); err != nil {
			return err
		}
		zones = uniqueStrings(zones)
		if err := requireZones(tx, zones); err != nil {
			return err
		}
		team.Zones = zones
		if err := tx.Save(&team).Error; err != nil {
			return fmt.Errorf("could not update zones of team %s: %w", teamID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	report, err := e.recompute(ctx, Trigger{Kind: TeamZonesChanged, ID: teamID})
	logReport("changed team zones", report, "team_id", teamID)
	return err
}

// SetTeamDisabled hides or shows the team's tickets. Nothing is deleted;
// re-enabling re-evaluates every ticket as if it was new.
func (e *Engine) SetTeamDisabled(ctx context.Context, teamID string, disabled bool) error {
	var wasDisabled bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		if err := takeByID(tx, &team, "team_id", teamID, "team"); err != nil {
			return err
		}
		wasDisabled = team.Disabled
		return tx.Model(&team).Update("disabled", disabled).Error
	})
	if err != nil {
		return fmt.Errorf("could not update team %s: %w", teamID, err)
	}
	if !wasDisabled || disabled {
		return nil
	}

	report, err := e.recompute(ctx, Trigger{Kind: TeamEnabled, ID: teamID})
	logReport("enabled team", report, "team_id", teamID)
	return err
}

// SetTeamAlerts changes the team's alert preferences. An empty threshold
// falls back to the configured default.
func (e *Engine) SetTeamAlerts(ctx context.Context, teamID string, threshold Priority, recipient string, mute bool) error {
	if threshold != "" && !threshold.Valid() {
		return fmt.Errorf("unknown alert threshold %q", threshold)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		if err := takeByID(tx, &team, "team_id", teamID, "team"); err != nil {
			return err
		}
		err := tx.Model(&team).Updates(map[string]any{
			"alert_threshold": threshold,
			"alert_recipient": recipient,
			"mute_alerts":     mute,
		}).Error
		if err != nil {
			return fmt.Errorf("could not update alerts of team %s: %w", teamID, err)
		}
		return nil
	})
}

func (e *Engine) AddTeamMember(ctx context.Context, teamID, userID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeByID(tx, &Team{}, "team_id", teamID, "team"); err != nil {
			return err
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&TeamMember{TeamID: teamID, UserID: userID}).Error
		if err != nil {
			return fmt.Errorf("could not add %s to team %s: %w", userID, teamID, err)
		}
		return nil
	})
}

func (e *Engine) CreateService(ctx context.Context, teamID string, in ServiceInput) (Service, error) {
	service := Service{
		TeamID:        teamID,
		Name:          in.Name,
		MissionImpact: in.MissionImpact,
		SafetyImpact:  in.SafetyImpact,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeByID(tx, &Team{}, "team_id", teamID, "team"); err != nil {
			return err
		}
		if err := tx.Create(&service).Error; err != nil {
			return fmt.Errorf("could not create service %s: %w", in.Name, err)
		}
		return nil
	})
	return service, err
}

// SetServiceImpact changes the service's mission and safety impact, which
// reprioritises all of its tickets.
func (e *Engine) SetServiceImpact(ctx context.Context, serviceID string, mission MissionImpact, safety SafetyImpact) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var service Service
		if err := takeByID(tx, &service, "service_id", serviceID, "service"); err != nil {
			return err
		}
		return tx.Model(&service).Updates(map[string]any{
			"mission_impact": mission,
			"safety_impact":  safety,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("could not update service %s: %w", serviceID, err)
	}

	report, err := e.recompute(ctx, Trigger{Kind: ServiceImpactChanged, ID: serviceID})
	logReport("changed service impact", report, "service_id", serviceID)
	return err
}

func (e *Engine) SetServiceDisabled(ctx context.Context, serviceID string, disabled bool) error {
	var wasDisabled bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var service Service
		if err := takeByID(tx, &service, "service_id", serviceID, "service"); err != nil {
			return err
		}
		wasDisabled = service.Disabled
		return tx.Model(&service).Update("disabled", disabled).Error
	})
	if err != nil {
		return fmt.Errorf("could not update service %s: %w", serviceID, err)
	}
	if !wasDisabled || disabled {
		return nil
	}

	report, err := e.recompute(ctx, Trigger{Kind: ServiceEnabled, ID: serviceID})
	logReport("enabled service", report, "service_id", serviceID)
	return err
}

func (e *Engine) SetServiceMuted(ctx context.Context, serviceID string, mute bool) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var service Service
		if err := takeByID(tx, &service, "service_id", serviceID, "service"); err != nil {
			return err
		}
		return tx.Model(&service).Update("mute_alerts", mute).Error
	})
}

// DeleteService removes the service with its inventory; the threats of the
// removed dependencies go with them.
func (e *Engine) DeleteService(ctx context.Context, serviceID string) error {
	var dependencyIDs []string
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var service Service
		if err := takeByID(tx, &service, "service_id", serviceID, "service"); err != nil {
			return err
		}
		var err error
		dependencyIDs, err = deleteServiceRows(tx, service.ServiceID)
		return err
	})
	if err != nil {
		return err
	}

	report, err := e.recompute(ctx, dependencyTriggers(DependencyDeleted, dependencyIDs)...)
	logReport("deleted service", report, "service_id", serviceID)
	return err
}

func (e *Engine) DeleteTeam(ctx context.Context, teamID string) error {
	var dependencyIDs []string
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		if err := takeByID(tx, &team, "team_id", teamID, "team"); err != nil {
			return err
		}
		var serviceIDs []string
		if err := tx.Model(&Service{}).Where("team_id = ?", teamID).Pluck("service_id", &serviceIDs).Error; err != nil {
			return fmt.Errorf("could not look up services of team %s: %w", teamID, err)
		}
		for _, id := range serviceIDs {
			ids, err := deleteServiceRows(tx, id)
			if err != nil {
				return err
			}
			dependencyIDs = append(dependencyIDs, ids...)
		}
		if err := tx.Where("team_id = ?", teamID).Delete(&TeamMember{}).Error; err != nil {
			return fmt.Errorf("could not delete members of team %s: %w", teamID, err)
		}
		if err := tx.Delete(&team).Error; err != nil {
			return fmt.Errorf("could not delete team %s: %w", teamID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	report, err := e.recompute(ctx, dependencyTriggers(DependencyDeleted, dependencyIDs)...)
	logReport("deleted team", report, "team_id", teamID)
	return err
}

func deleteServiceRows(tx *gorm.DB, serviceID string) ([]string, error) {
	var dependencyIDs []string
	if err := tx.Model(&Dependency{}).Where("service_id = ?", serviceID).Pluck("dependency_id", &dependencyIDs).Error; err != nil {
		return nil, fmt.Errorf("could not look up dependencies of service %s: %w", serviceID, err)
	}
	if err := tx.Where("service_id = ?", serviceID).Delete(&Dependency{}).Error; err != nil {
		return nil, fmt.Errorf("could not delete dependencies of service %s: %w", serviceID, err)
	}
	if err := tx.Where("service_id = ?", serviceID).Delete(&Service{}).Error; err != nil {
		return nil, fmt.Errorf("could not delete service %s: %w", serviceID, err)
	}
	return dependencyIDs, nil
}

func dependencyTriggers(kind TriggerKind, ids []string) []Trigger {
	triggers := make([]Trigger, 0, len(ids))
	for _, id := range ids {
		triggers = append(triggers, Trigger{Kind: kind, ID: id})
	}
	return triggers
}
