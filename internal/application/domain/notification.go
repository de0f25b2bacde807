package domain

// Urgency tags a notification by how close its duty is.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
	UrgencySuccess  Urgency = "success"
)

// NotificationKind is the duty type as shown to the user and used in ledger keys.
type NotificationKind string

const (
	NotifyProposer       NotificationKind = "Proposer"
	NotifyAttester       NotificationKind = "Attester"
	NotifySyncCommittee  NotificationKind = "Sync Committee"
	NotifyMissed         NotificationKind = "Missed Attestation"
	NotifyBlockConfirmed NotificationKind = "Block Confirmed"
)

// Notification is a single request handed to a notification sink.
type Notification struct {
	Kind             NotificationKind `json:"type"`
	ValidatorID      string           `json:"validator"`
	ValidatorDisplay string           `json:"validatorDisplay"`
	Slot             Slot             `json:"slot"`
	// TimeUntil is either a formatted countdown ("4m 12s") or a status word
	// ("active", "confirmed", "missed").
	TimeUntil    string        `json:"timeUntil"`
	MinutesUntil int64         `json:"minutesUntil"`
	Period       SyncPeriod    `json:"period,omitempty"`
	Urgency      Urgency       `json:"urgency"`
	BlockDetails *BlockDetails `json:"blockDetails,omitempty"`
}

// UrgencyFor maps whole minutes until a duty to its urgency tag.
func UrgencyFor(minutesUntil int64) Urgency {
	switch {
	case minutesUntil < 1:
		return UrgencyCritical
	case minutesUntil < 2:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// PushSubscription is a browser Web Push subscription as sent by PushManager.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}
