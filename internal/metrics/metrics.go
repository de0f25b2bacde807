package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrackedValidators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duties_notifier_tracked_validators",
		Help: "Number of validators in the registry",
	})
	Duties = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "duties_notifier_duties",
		Help: "Number of duties currently held per kind",
	}, []string{"kind"})
	DutyFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duties_notifier_fetches_total",
		Help: "Duty fetch cycles by result (ok, error, superseded)",
	}, []string{"result"})
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duties_notifier_scheduler_ticks_total",
		Help: "Notification scan ticks by outcome (run, skipped)",
	}, []string{"outcome"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duties_notifier_notifications_total",
		Help: "Notifications handed to sinks by duty kind",
	}, []string{"kind"})
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duties_notifier_notification_failures_total",
		Help: "Failed notification deliveries by sink",
	}, []string{"sink"})
	UnmatchedDuties = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duties_notifier_unmatched_duties_total",
		Help: "Duties seen by the scheduler that did not resolve to a tracked validator",
	})
	MissedAttestations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duties_notifier_missed_attestations_total",
		Help: "Attester duties detected as not included on chain",
	})
	BeaconUnreachable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duties_notifier_beacon_unreachable_total",
		Help: "Connection-level failures talking to the beacon node",
	})
)
