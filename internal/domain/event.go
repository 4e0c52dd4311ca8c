package domain

import (
	"time"

	"github.com/google/uuid"
)

// Topics carried by the event fabric.
const (
	TopicTranlog      = "topic-tranlog"
	TopicCashlog      = "topic-cashlog"
	TopicOpenCloselog = "topic-opencloselog"
)

// EventEnvelope is the unit of propagation between the publishing side
// and the consumers. Exactly one payload field is set, matching the topic.
//
// Recipients is empty on first publication, meaning all subscribers of the
// topic. Republished envelopes list only the subscribers still pending so
// the others drop the duplicate without side effects.
type EventEnvelope struct {
	EventID      string   `bson:"eventId" json:"eventId"`
	Topic        string   `bson:"topic" json:"topic"`
	TenantID     string   `bson:"tenantId" json:"tenantId"`
	StoreCode    string   `bson:"storeCode" json:"storeCode"`
	TerminalNo   int      `bson:"terminalNo" json:"terminalNo"`
	TerminalID   string   `bson:"terminalId" json:"terminalId"`
	BusinessDate string   `bson:"businessDate" json:"businessDate"`
	OpenCounter  int64    `bson:"openCounter" json:"openCounter"`
	Recipients   []string `bson:"recipients,omitempty" json:"recipients,omitempty"`
	PublishedAt  time.Time `bson:"publishedAt" json:"publishedAt"`

	Transaction *Transaction     `bson:"transaction,omitempty" json:"transaction,omitempty"`
	Cash        *CashMovement    `bson:"cash,omitempty" json:"cash,omitempty"`
	Session     *OpenCloseRecord `bson:"session,omitempty" json:"session,omitempty"`
}

// NewEventID returns a globally unique event identifier.
func NewEventID() string { return uuid.NewString() }

// AddressedTo reports whether the envelope targets the named subscriber.
// An envelope without a recipients list targets everyone.
func (e *EventEnvelope) AddressedTo(subscriber string) bool {
	if len(e.Recipients) == 0 {
		return true
	}
	for _, r := range e.Recipients {
		if r == subscriber {
			return true
		}
	}
	return false
}

// TranlogEnvelope wraps a finalized transaction for propagation.
func TranlogEnvelope(t *Transaction, now time.Time) *EventEnvelope {
	return &EventEnvelope{
		EventID:      NewEventID(),
		Topic:        TopicTranlog,
		TenantID:     t.TenantID,
		StoreCode:    t.StoreCode,
		TerminalNo:   t.TerminalNo,
		TerminalID:   t.TerminalID,
		BusinessDate: t.BusinessDate,
		OpenCounter:  t.OpenCounter,
		PublishedAt:  now,
		Transaction:  t,
	}
}

// CashlogEnvelope wraps a cash movement for propagation.
func CashlogEnvelope(ref TerminalRef, m *CashMovement, now time.Time) *EventEnvelope {
	return &EventEnvelope{
		EventID:      NewEventID(),
		Topic:        TopicCashlog,
		TenantID:     ref.TenantID,
		StoreCode:    ref.StoreCode,
		TerminalNo:   ref.TerminalNo,
		TerminalID:   ref.ID(),
		BusinessDate: m.BusinessDate,
		OpenCounter:  m.OpenCounter,
		PublishedAt:  now,
		Cash:         m,
	}
}

// OpenCloselogEnvelope wraps a session transition for propagation.
func OpenCloselogEnvelope(ref TerminalRef, rec *OpenCloseRecord, now time.Time) *EventEnvelope {
	return &EventEnvelope{
		EventID:      NewEventID(),
		Topic:        TopicOpenCloselog,
		TenantID:     ref.TenantID,
		StoreCode:    ref.StoreCode,
		TerminalNo:   ref.TerminalNo,
		TerminalID:   ref.ID(),
		BusinessDate: rec.BusinessDate,
		OpenCounter:  rec.OpenCounter,
		PublishedAt:  now,
		Session:      rec,
	}
}
