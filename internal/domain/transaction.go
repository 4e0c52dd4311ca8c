package domain

import "time"

// Transaction type codes. The sign-reversing relationship between sales
// and their corrections is captured by ReportFactor, not by negating
// amounts: stored amounts are always non-negative.
const (
	TypeNormalSales       = 101
	TypeNormalSalesCancel = -101
	TypeReturnSales       = 102
	TypeVoidSales         = 201
	TypeVoidReturn        = 202
	TypeOpenTerminal      = 301
	TypeCloseTerminal     = 302
	TypeCashIn            = 401
	TypeCashOut           = 402
	TypeFlashReport       = 701
	TypeDailyReport       = 702
)

// EffectiveType is the journal-facing code of a transaction: a cancelled
// normal sale surfaces as its tombstone so downstream consumers exclude
// it without inspecting flags.
func EffectiveType(transactionType int, isCancelled bool) int {
	if isCancelled && transactionType == TypeNormalSales {
		return TypeNormalSalesCancel
	}
	return transactionType
}

// ReportFactor is the weight a transaction type contributes to report
// aggregation. Cancelled-sale markers carry zero weight: they are
// journaled but never counted.
func ReportFactor(transactionType int) int64 {
	switch transactionType {
	case TypeNormalSales, TypeVoidReturn:
		return 1
	case TypeReturnSales, TypeVoidSales:
		return -1
	default:
		return 0
	}
}

// IsSalesType reports whether the type represents a sale or a correction
// of one, i.e. whether report aggregation considers it at all.
func IsSalesType(transactionType int) bool {
	switch transactionType {
	case TypeNormalSales, TypeNormalSalesCancel, TypeReturnSales, TypeVoidSales, TypeVoidReturn:
		return true
	}
	return false
}

// TransactionTypeName returns the display name used on receipts.
func TransactionTypeName(transactionType int) string {
	switch transactionType {
	case TypeNormalSales:
		return "SALES"
	case TypeNormalSalesCancel:
		return "CANCELLED"
	case TypeReturnSales:
		return "RETURN"
	case TypeVoidSales:
		return "VOID"
	case TypeVoidReturn:
		return "VOID RETURN"
	case TypeCashIn:
		return "CASH IN"
	case TypeCashOut:
		return "CASH OUT"
	case TypeOpenTerminal:
		return "OPEN"
	case TypeCloseTerminal:
		return "CLOSE"
	case TypeFlashReport:
		return "FLASH REPORT"
	case TypeDailyReport:
		return "DAILY REPORT"
	}
	return "UNKNOWN"
}

// SalesSummary is the settled money state of a finalized transaction.
//
// GrossSales is the pre-discount, tax-inclusive value; NetSales the
// post-discount, tax-exclusive value. The identity
// grossSales = netSales + lineDiscountTotal + subtotalDiscountTotal + taxTotal
// holds for every finalized transaction.
type SalesSummary struct {
	Quantity              int64 `bson:"quantity" json:"quantity"`
	GrossSales            int64 `bson:"grossSales" json:"grossSales"`
	NetSales              int64 `bson:"netSales" json:"netSales"`
	TotalWithTax          int64 `bson:"totalWithTax" json:"totalWithTax"`
	TaxTotal              int64 `bson:"taxTotal" json:"taxTotal"`
	LineDiscountTotal     int64 `bson:"lineDiscountTotal" json:"lineDiscountTotal"`
	SubtotalDiscountTotal int64 `bson:"subtotalDiscountTotal" json:"subtotalDiscountTotal"`
	DepositTotal          int64 `bson:"depositTotal" json:"depositTotal"`
	ChangeTotal           int64 `bson:"changeTotal" json:"changeTotal"`
}

// Transaction is the immutable record of a finalized cart, a void, or a
// return. Corrections reference their origin through OriginTransactionNo
// and never mutate it beyond the IsCancelled tombstone.
type Transaction struct {
	ID              string `bson:"_id" json:"transactionId"`
	TerminalRef     `bson:",inline"`
	TerminalID      string `bson:"terminalId" json:"terminalId"`
	TransactionNo   int64  `bson:"transactionNo" json:"transactionNo"`
	TransactionType int    `bson:"transactionType" json:"transactionType"`
	BusinessDate    string `bson:"businessDate" json:"businessDate"`
	OpenCounter     int64  `bson:"openCounter" json:"openCounter"`
	BusinessCounter int64  `bson:"businessCounter" json:"businessCounter"`
	ReceiptNo       int64  `bson:"receiptNo" json:"receiptNo"`
	StaffID         string `bson:"staffId,omitempty" json:"staffId,omitempty"`
	GeneratedAt     time.Time `bson:"generatedAt" json:"generatedAt"`

	Sales    SalesSummary  `bson:"sales" json:"sales"`
	Lines    []LineItem    `bson:"lines" json:"lines"`
	Payments []PaymentLine `bson:"payments" json:"payments"`
	Taxes    []TaxLine     `bson:"taxes" json:"taxes"`

	SubtotalDiscounts []Discount `bson:"subtotalDiscounts,omitempty" json:"subtotalDiscounts,omitempty"`

	// IsCancelled marks a transaction voided or returned by a later one.
	IsCancelled         bool   `bson:"isCancelled" json:"isCancelled"`
	OriginTransactionNo int64  `bson:"originTransactionNo,omitempty" json:"originTransactionNo,omitempty"`
	CartID              string `bson:"cartId,omitempty" json:"cartId,omitempty"`

	ReceiptText string `bson:"receiptText,omitempty" json:"receiptText,omitempty"`
	JournalText string `bson:"journalText,omitempty" json:"journalText,omitempty"`

	Meta `bson:",inline"`
}
