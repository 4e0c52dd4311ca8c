package domain

// CartState is the lifecycle state of an in-progress sale.
type CartState string

const (
	CartInitial      CartState = "initial"
	CartIdle         CartState = "idle"
	CartEnteringItem CartState = "enteringItem"
	CartPaying       CartState = "paying"
	CartCompleted    CartState = "completed"
	CartCancelled    CartState = "cancelled"
)

// Terminal reports whether no further operations are accepted.
func (s CartState) Terminal() bool {
	return s == CartCompleted || s == CartCancelled
}

// DiscountKind distinguishes amount discounts from percent discounts.
type DiscountKind string

const (
	DiscountAmount  DiscountKind = "amount"
	DiscountPercent DiscountKind = "percent"
)

// Discount is a declared price reduction. Percent discounts resolve
// against the running remainder at pricing time; ResolvedAmount holds the
// outcome in minor units.
type Discount struct {
	Kind           DiscountKind `bson:"kind" json:"kind"`
	Percent        float64      `bson:"percent,omitempty" json:"percent,omitempty"`
	Amount         int64        `bson:"amount,omitempty" json:"amount,omitempty"`
	ResolvedAmount int64        `bson:"resolvedAmount" json:"resolvedAmount"`
	Detail         string       `bson:"detail,omitempty" json:"detail,omitempty"`
}

// TaxKind selects the tax computation for an item's tax code.
type TaxKind string

const (
	TaxExternal TaxKind = "external"
	TaxInternal TaxKind = "internal"
	TaxExempt   TaxKind = "exempt"
)

// TaxLine is a per-code tax aggregate over the cart or transaction.
type TaxLine struct {
	TaxCode      string  `bson:"taxCode" json:"taxCode"`
	TaxKind      TaxKind `bson:"taxKind" json:"taxKind"`
	Rate         float64 `bson:"rate" json:"rate"`
	TargetAmount int64   `bson:"targetAmount" json:"targetAmount"`
	TaxAmount    int64   `bson:"taxAmount" json:"taxAmount"`
}

// LineItem is one cart line. Prices are snapshots taken at entry time so
// later master-data changes never reprice an open cart.
type LineItem struct {
	LineNo             int        `bson:"lineNo" json:"lineNo"`
	ItemCode           string     `bson:"itemCode" json:"itemCode"`
	Description        string     `bson:"description" json:"description"`
	UnitPrice          int64      `bson:"unitPrice" json:"unitPrice"`
	UnitPriceOriginal  int64      `bson:"unitPriceOriginal" json:"unitPriceOriginal"`
	IsUnitPriceChanged bool       `bson:"isUnitPriceChanged" json:"isUnitPriceChanged"`
	Quantity           int64      `bson:"quantity" json:"quantity"`
	TaxCode            string     `bson:"taxCode" json:"taxCode"`
	Discounts          []Discount `bson:"discounts,omitempty" json:"discounts,omitempty"`
	// Amount is unitPrice*quantity less line discounts.
	Amount      int64 `bson:"amount" json:"amount"`
	IsCancelled bool  `bson:"isCancelled" json:"isCancelled"`
}

// PaymentLine is one accepted tender. Amount is what was applied toward
// the balance; for cash Tendered may exceed it and Change returns the
// difference.
type PaymentLine struct {
	PaymentNo   int    `bson:"paymentNo" json:"paymentNo"`
	PaymentCode string `bson:"paymentCode" json:"paymentCode"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Amount      int64  `bson:"amount" json:"amount"`
	Tendered    int64  `bson:"tendered" json:"tendered"`
	Change      int64  `bson:"change" json:"change"`
	Detail      string `bson:"detail,omitempty" json:"detail,omitempty"`
}

// CartTotals is the derived money state of a cart, recomputed after every
// mutation.
type CartTotals struct {
	Quantity              int64 `bson:"quantity" json:"quantity"`
	SubtotalAmount        int64 `bson:"subtotalAmount" json:"subtotalAmount"`
	LineDiscountTotal     int64 `bson:"lineDiscountTotal" json:"lineDiscountTotal"`
	SubtotalDiscountTotal int64 `bson:"subtotalDiscountTotal" json:"subtotalDiscountTotal"`
	TaxTotal              int64 `bson:"taxTotal" json:"taxTotal"`
	TotalWithTax          int64 `bson:"totalWithTax" json:"totalWithTax"`
	TaxExclusiveTotal     int64 `bson:"taxExclusiveTotal" json:"taxExclusiveTotal"`
	DepositTotal          int64 `bson:"depositTotal" json:"depositTotal"`
	ChangeTotal           int64 `bson:"changeTotal" json:"changeTotal"`
	// Balance is totalWithTax less deposits; zero or below means paid.
	Balance int64 `bson:"balance" json:"balance"`
}

// Cart is the transactional work-in-progress of one sale on one terminal.
type Cart struct {
	ID              string    `bson:"_id" json:"cartId"`
	TerminalRef     `bson:",inline"`
	TerminalID      string    `bson:"terminalId" json:"terminalId"`
	BusinessDate    string    `bson:"businessDate" json:"businessDate"`
	OpenCounter     int64     `bson:"openCounter" json:"openCounter"`
	BusinessCounter int64     `bson:"businessCounter" json:"businessCounter"`
	TransactionType int       `bson:"transactionType" json:"transactionType"`
	State           CartState `bson:"state" json:"state"`
	StaffID         string    `bson:"staffId,omitempty" json:"staffId,omitempty"`

	Lines             []LineItem    `bson:"lines" json:"lines"`
	SubtotalDiscounts []Discount    `bson:"subtotalDiscounts,omitempty" json:"subtotalDiscounts,omitempty"`
	Payments          []PaymentLine `bson:"payments" json:"payments"`
	Taxes             []TaxLine     `bson:"taxes" json:"taxes"`
	Totals            CartTotals    `bson:"totals" json:"totals"`

	Meta `bson:",inline"`
}

// ActiveLines returns the non-cancelled lines in entry order.
func (c *Cart) ActiveLines() []LineItem {
	out := make([]LineItem, 0, len(c.Lines))
	for _, l := range c.Lines {
		if !l.IsCancelled {
			out = append(out, l)
		}
	}
	return out
}

// Line returns a pointer to the line with the given number.
func (c *Cart) Line(lineNo int) *LineItem {
	for i := range c.Lines {
		if c.Lines[i].LineNo == lineNo {
			return &c.Lines[i]
		}
	}
	return nil
}

// NextLineNo returns the line number for a newly added item.
func (c *Cart) NextLineNo() int { return len(c.Lines) + 1 }

// NextPaymentNo returns the payment number for a newly accepted tender.
func (c *Cart) NextPaymentNo() int { return len(c.Payments) + 1 }
