// Package sanction removes an application from the sanctioned-case registry
// once every query raised against it has been closed.
package sanction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"querydesk/api/internal/bus"
	"querydesk/api/internal/query"
)

var removedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "querydesk",
	Name:      "sanctioned_removed_total",
	Help:      "Sanctioned cases removed after all of their queries were closed",
})

// Registry is the narrow remove-if-exists view of the sanctioned-case table.
// Removing a missing record reports false and no error.
type Registry interface {
	DeleteSanctionedCase(ctx context.Context, appNo string) (bool, error)
}

type GroupSource interface {
	GroupsForApp(ctx context.Context, appNo string) ([]query.QueryGroup, string, error)
}

type Publisher interface {
	Publish(ctx context.Context, e bus.Event) (bus.Event, error)
}

// Teams that are told about a removal.
var notifyTeams = []query.Team{query.TeamOperations, query.TeamSales, query.TeamCredit}

type Reconciler struct {
	groups    GroupSource
	registry  Registry
	publisher Publisher
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewReconciler(groups GroupSource, registry Registry, publisher Publisher, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		groups:    groups,
		registry:  registry,
		publisher: publisher,
		logger:    logger.WithField("component", "sanction"),
		now:       time.Now,
	}
}

// Consume implements bus.Consumer. Only original events announcing a
// terminal status trigger a check.
func (r *Reconciler) Consume(ctx context.Context, e bus.Event) error {
	if e.Broadcast || !e.Status.IsTerminal() {
		return nil
	}
	if strings.TrimSpace(e.AppNo) == "" {
		return nil
	}
	_, err := r.OnResolved(ctx, e.AppNo, e.Actor)
	return err
}

// OnResolved removes the sanctioned case for appNo when every item of every
// group raised against it is terminal. It reports whether a record was
// actually removed.
func (r *Reconciler) OnResolved(ctx context.Context, appNo, actor string) (bool, error) {
	if r.registry == nil {
		return false, nil
	}
	appNo = strings.TrimSpace(appNo)

	groups, source, err := r.groups.GroupsForApp(ctx, appNo)
	if err != nil {
		return false, fmt.Errorf("load groups for %s: %w", appNo, err)
	}
	log := r.logger.WithFields(logrus.Fields{"appNo": appNo, "groups": len(groups), "source": source})
	if !query.AllResolved(groups) {
		log.Debug("application still has open queries")
		return false, nil
	}

	removed, err := r.registry.DeleteSanctionedCase(ctx, appNo)
	if err != nil {
		return false, fmt.Errorf("remove sanctioned case %s: %w", appNo, err)
	}
	if !removed {
		log.Debug("no sanctioned case to remove")
		return false, nil
	}
	removedTotal.Inc()
	log.Info("sanctioned case removed")

	if r.publisher == nil {
		return true, nil
	}
	at := r.now().UTC()
	for _, team := range notifyTeams {
		_, err := r.publisher.Publish(ctx, bus.Event{
			AppNo:     appNo,
			SubjectID: appNo,
			Action:    bus.ActionSanctionedCaseRemoved,
			Team:      team,
			Timestamp: at,
			Actor:     actor,
			Broadcast: true,
		})
		if err != nil {
			// Delivery failures never undo the removal.
			log.WithField("team", team).WithError(err).Warn("removal event not fully delivered")
		}
	}
	return true, nil
}
