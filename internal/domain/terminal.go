package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TerminalRef identifies a terminal by tenant, store and number. Its
// canonical string form "{tenantId}-{storeCode}-{terminalNo}" keys caches,
// counters and event routing.
type TerminalRef struct {
	TenantID   string `bson:"tenantId" json:"tenantId"`
	StoreCode  string `bson:"storeCode" json:"storeCode"`
	TerminalNo int    `bson:"terminalNo" json:"terminalNo"`
}

// ID returns the canonical terminal identifier.
func (r TerminalRef) ID() string {
	return fmt.Sprintf("%s-%s-%d", r.TenantID, r.StoreCode, r.TerminalNo)
}

// ParseTerminalID splits a canonical terminal identifier. Store codes may
// not contain '-', tenant ids may.
func ParseTerminalID(id string) (TerminalRef, error) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return TerminalRef{}, fmt.Errorf("malformed terminal id %q", id)
	}
	no, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return TerminalRef{}, fmt.Errorf("malformed terminal no in %q", id)
	}
	return TerminalRef{
		TenantID:   strings.Join(parts[:len(parts)-2], "-"),
		StoreCode:  parts[len(parts)-2],
		TerminalNo: no,
	}, nil
}

// TerminalStatus is the session lifecycle state of a terminal.
type TerminalStatus string

const (
	TerminalIdle   TerminalStatus = "idle"
	TerminalOpened TerminalStatus = "opened"
	TerminalClosed TerminalStatus = "closed"
)

// Terminal is the per-device session record. BusinessDate and the two
// counters scope every transaction and event the terminal produces.
type Terminal struct {
	ID           string         `bson:"_id" json:"terminalId"`
	TerminalRef  `bson:",inline"`
	Status       TerminalStatus `bson:"status" json:"status"`
	BusinessDate string         `bson:"businessDate" json:"businessDate"`
	// OpenCounter increments on every open and distinguishes sessions
	// within one business date.
	OpenCounter int64 `bson:"openCounter" json:"openCounter"`
	// BusinessCounter increments on every business operation within the
	// current business date and orders activity for the journal.
	BusinessCounter int64  `bson:"businessCounter" json:"businessCounter"`
	InitialAmount   int64  `bson:"initialAmount" json:"initialAmount"`
	StaffID         string `bson:"staffId,omitempty" json:"staffId,omitempty"`
	Meta            `bson:",inline"`
}

// CashMovement records a cash-in or cash-out outside a sale.
type CashMovement struct {
	TransactionType int    `bson:"transactionType" json:"transactionType"`
	Amount          int64  `bson:"amount" json:"amount"`
	Reason          string `bson:"reason,omitempty" json:"reason,omitempty"`
	StaffID         string `bson:"staffId,omitempty" json:"staffId,omitempty"`
	BusinessDate    string `bson:"businessDate" json:"businessDate"`
	OpenCounter     int64  `bson:"openCounter" json:"openCounter"`
	BusinessCounter int64  `bson:"businessCounter" json:"businessCounter"`
	GeneratedAt     time.Time `bson:"generatedAt" json:"generatedAt"`
	ReceiptText     string `bson:"receiptText,omitempty" json:"receiptText,omitempty"`
	JournalText     string `bson:"journalText,omitempty" json:"journalText,omitempty"`
}

// Reconciliation is the close-time comparison of counted against
// theoretical cash on hand.
type Reconciliation struct {
	TransactionCount  int64 `bson:"transactionCount" json:"transactionCount"`
	LastTransactionNo int64 `bson:"lastTransactionNo" json:"lastTransactionNo"`
	CashMovementCount int64 `bson:"cashMovementCount" json:"cashMovementCount"`
	TheoreticalAmount int64 `bson:"theoreticalAmount" json:"theoreticalAmount"`
	CountedAmount     int64 `bson:"countedAmount" json:"countedAmount"`
	Difference        int64 `bson:"difference" json:"difference"`
}

// OpenCloseRecord is the payload of a terminal open or close event.
type OpenCloseRecord struct {
	Operation       string          `bson:"operation" json:"operation"` // open | close
	StaffID         string          `bson:"staffId,omitempty" json:"staffId,omitempty"`
	BusinessDate    string          `bson:"businessDate" json:"businessDate"`
	OpenCounter     int64           `bson:"openCounter" json:"openCounter"`
	BusinessCounter int64           `bson:"businessCounter" json:"businessCounter"`
	InitialAmount   int64           `bson:"initialAmount,omitempty" json:"initialAmount,omitempty"`
	Reconciliation  *Reconciliation `bson:"reconciliation,omitempty" json:"reconciliation,omitempty"`
	GeneratedAt     time.Time       `bson:"generatedAt" json:"generatedAt"`
	ReceiptText     string          `bson:"receiptText,omitempty" json:"receiptText,omitempty"`
	JournalText     string          `bson:"journalText,omitempty" json:"journalText,omitempty"`
}

// ValidBusinessDate reports whether s is a YYYYMMDD calendar date.
func ValidBusinessDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := time.Parse("20060102", s)
	return err == nil
}
