package domain

import "time"

// DeliveryState is the ledger state of one published event.
type DeliveryState string

const (
	DeliveryPublished DeliveryState = "published"
	DeliveryPartial   DeliveryState = "partially_delivered"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// SubscriberState is the per-subscriber delivery state.
type SubscriberState string

const (
	SubscriberPending  SubscriberState = "pending"
	SubscriberReceived SubscriberState = "received"
	SubscriberFailed   SubscriberState = "failed"
)

// SubscriberDelivery tracks one subscriber's progress on one event.
type SubscriberDelivery struct {
	Name      string          `bson:"name" json:"name"`
	State     SubscriberState `bson:"state" json:"state"`
	UpdatedAt time.Time       `bson:"updatedAt" json:"updatedAt"`
	Message   string          `bson:"message,omitempty" json:"message,omitempty"`
}

// DeliveryStatus is the durable ledger record written before an event is
// handed to the broker. It survives broker loss and drives republication.
type DeliveryStatus struct {
	EventID      string        `bson:"_id" json:"eventId"`
	TenantID     string        `bson:"tenantId" json:"tenantId"`
	Topic        string        `bson:"topic" json:"topic"`
	TerminalID   string        `bson:"terminalId" json:"terminalId"`
	BusinessDate string        `bson:"businessDate" json:"businessDate"`
	OpenCounter  int64         `bson:"openCounter" json:"openCounter"`
	State        DeliveryState `bson:"state" json:"state"`

	Subscribers []SubscriberDelivery `bson:"subscribers" json:"subscribers"`

	// Payload is the serialized envelope, kept verbatim for republication.
	Payload []byte `bson:"payload" json:"-"`

	PublishedAt    time.Time `bson:"publishedAt" json:"publishedAt"`
	LastUpdatedAt  time.Time `bson:"lastUpdatedAt" json:"lastUpdatedAt"`
	RepublishCount int       `bson:"republishCount" json:"republishCount"`

	Meta `bson:",inline"`
}

// NewDeliveryStatus builds the initial ledger record with every
// subscriber pending.
func NewDeliveryStatus(env *EventEnvelope, payload []byte, subscribers []string, now time.Time) *DeliveryStatus {
	subs := make([]SubscriberDelivery, 0, len(subscribers))
	for _, name := range subscribers {
		subs = append(subs, SubscriberDelivery{Name: name, State: SubscriberPending, UpdatedAt: now})
	}
	d := &DeliveryStatus{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		Topic:         env.Topic,
		TerminalID:    env.TerminalID,
		BusinessDate:  env.BusinessDate,
		OpenCounter:   env.OpenCounter,
		State:         DeliveryPublished,
		Subscribers:   subs,
		Payload:       payload,
		PublishedAt:   now,
		LastUpdatedAt: now,
	}
	d.Touch(now)
	return d
}

// Acknowledge applies one subscriber's result and recomputes the overall
// state. Transitions are forward-only: a received subscriber never
// regresses and an event marked failed by the scheduler stays failed.
// Unknown subscribers are rejected; replayed acknowledgements are no-ops.
func (d *DeliveryStatus) Acknowledge(subscriber string, ok bool, message string, now time.Time) (changed bool, found bool) {
	for i := range d.Subscribers {
		if d.Subscribers[i].Name != subscriber {
			continue
		}
		found = true
		cur := d.Subscribers[i].State
		switch {
		case cur == SubscriberReceived:
			return false, true
		case ok:
			d.Subscribers[i].State = SubscriberReceived
		case cur == SubscriberFailed:
			return false, true
		default:
			d.Subscribers[i].State = SubscriberFailed
		}
		d.Subscribers[i].UpdatedAt = now
		d.Subscribers[i].Message = message
		changed = true
		break
	}
	if !found || !changed {
		return false, found
	}
	d.LastUpdatedAt = now
	if d.State != DeliveryFailed {
		d.State = d.computeState()
	}
	return true, true
}

// PendingSubscribers returns the names still awaiting a successful receipt.
func (d *DeliveryStatus) PendingSubscribers() []string {
	var names []string
	for _, s := range d.Subscribers {
		if s.State != SubscriberReceived {
			names = append(names, s.Name)
		}
	}
	return names
}

func (d *DeliveryStatus) computeState() DeliveryState {
	received := 0
	for _, s := range d.Subscribers {
		if s.State == SubscriberReceived {
			received++
		}
	}
	switch {
	case len(d.Subscribers) == 0 || received == len(d.Subscribers):
		return DeliveryDelivered
	case received > 0:
		return DeliveryPartial
	default:
		return DeliveryPublished
	}
}
