package domain

import "time"

// JournalEntry is the uniform audit record the journal service derives
// from every consumed event, whatever its topic. EventID is the natural
// key, so a replayed event can never journal twice.
type JournalEntry struct {
	EventID         string `bson:"_id" json:"eventId"`
	TerminalRef     `bson:",inline"`
	TerminalID      string `bson:"terminalId" json:"terminalId"`
	TransactionType int    `bson:"transactionType" json:"transactionType"`
	TransactionNo   int64  `bson:"transactionNo,omitempty" json:"transactionNo,omitempty"`
	ReceiptNo       int64  `bson:"receiptNo,omitempty" json:"receiptNo,omitempty"`
	BusinessDate    string `bson:"businessDate" json:"businessDate"`
	OpenCounter     int64  `bson:"openCounter" json:"openCounter"`
	BusinessCounter int64  `bson:"businessCounter" json:"businessCounter"`
	StaffID         string `bson:"staffId,omitempty" json:"staffId,omitempty"`
	Amount          int64  `bson:"amount" json:"amount"`
	Quantity        int64  `bson:"quantity" json:"quantity"`
	GeneratedAt     time.Time `bson:"generatedAt" json:"generatedAt"`
	ReceiptText     string `bson:"receiptText,omitempty" json:"receiptText,omitempty"`
	JournalText     string `bson:"journalText,omitempty" json:"journalText,omitempty"`
	Meta            `bson:",inline"`
}
