package domain

import "time"

// Report scopes.
const (
	ReportScopeFlash = "flash"
	ReportScopeDaily = "daily"
)

// ReportAmount is a count/quantity/amount triple for one report bucket.
type ReportAmount struct {
	Count    int64 `bson:"count" json:"count"`
	Quantity int64 `bson:"quantity" json:"quantity"`
	Amount   int64 `bson:"amount" json:"amount"`
}

// TaxReportLine aggregates one tax code across the report window.
type TaxReportLine struct {
	TaxCode      string `bson:"taxCode" json:"taxCode"`
	TaxKind      TaxKind `bson:"taxKind,omitempty" json:"taxKind,omitempty"`
	TargetAmount int64  `bson:"targetAmount" json:"targetAmount"`
	TaxAmount    int64  `bson:"taxAmount" json:"taxAmount"`
}

// PaymentReportLine aggregates one payment code across the report window.
type PaymentReportLine struct {
	PaymentCode string `bson:"paymentCode" json:"paymentCode"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Count       int64  `bson:"count" json:"count"`
	Amount      int64  `bson:"amount" json:"amount"`
}

// CashReportLine aggregates the out-of-sale cash movements.
type CashReportLine struct {
	CashInCount  int64 `bson:"cashInCount" json:"cashInCount"`
	CashInAmount int64 `bson:"cashInAmount" json:"cashInAmount"`
	CashOutCount int64 `bson:"cashOutCount" json:"cashOutCount"`
	CashOutAmount int64 `bson:"cashOutAmount" json:"cashOutAmount"`
	NetMovement  int64 `bson:"netMovement" json:"netMovement"`
}

// SalesReport is the aggregation result for a flash or daily window.
//
// GrossSales is the factor-weighted sum of totalWithTax over positive
// types; Returns the same over negative types. NetSales is gross less
// returns, discounts and tax, so a sale fully reversed by a return nets
// to zero.
type SalesReport struct {
	ID           string `bson:"_id" json:"reportId"`
	TenantID     string `bson:"tenantId" json:"tenantId"`
	StoreCode    string `bson:"storeCode" json:"storeCode"`
	// TerminalNo 0 means store scope.
	TerminalNo   int    `bson:"terminalNo" json:"terminalNo"`
	Scope        string `bson:"scope" json:"scope"`
	ReportType   int    `bson:"reportType" json:"reportType"`
	BusinessDate string `bson:"businessDate" json:"businessDate"`
	OpenCounter  int64  `bson:"openCounter,omitempty" json:"openCounter,omitempty"`

	TransactionCount int64 `bson:"transactionCount" json:"transactionCount"`

	GrossSales ReportAmount `bson:"grossSales" json:"grossSales"`
	Returns    ReportAmount `bson:"returns" json:"returns"`
	NetSales   int64        `bson:"netSales" json:"netSales"`

	LineDiscountTotal     int64 `bson:"lineDiscountTotal" json:"lineDiscountTotal"`
	SubtotalDiscountTotal int64 `bson:"subtotalDiscountTotal" json:"subtotalDiscountTotal"`
	TaxTotal              int64 `bson:"taxTotal" json:"taxTotal"`

	Taxes    []TaxReportLine     `bson:"taxes" json:"taxes"`
	Payments []PaymentReportLine `bson:"payments" json:"payments"`
	Cash     CashReportLine      `bson:"cash" json:"cash"`

	GeneratedAt time.Time `bson:"generatedAt" json:"generatedAt"`
	ReceiptText string    `bson:"receiptText,omitempty" json:"receiptText,omitempty"`
	JournalText string    `bson:"journalText,omitempty" json:"journalText,omitempty"`

	Meta `bson:",inline"`
}
