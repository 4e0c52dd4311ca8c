// Package format renders the fixed-width receipt and journal texts that
// accompany every transaction, cash movement, session transition and
// report. The texts are persisted with the records they describe, so
// consumers never re-render.
package format

import (
	"fmt"
	"strings"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

const width = 32

// Renderer produces the receipt body for one transaction type.
type Renderer func(*domain.Transaction) string

// Registry maps transaction types to their receipt renderers. The
// default set covers every type the services emit; registering a type
// twice replaces the renderer, which only setup code does.
type Registry struct {
	byType   map[int]Renderer
	fallback Renderer
}

// NewRegistry builds the registry with the standard renderers installed.
func NewRegistry() *Registry {
	r := &Registry{byType: map[int]Renderer{}}
	r.fallback = r.renderSale
	r.byType[domain.TypeNormalSales] = r.renderSale
	r.byType[domain.TypeReturnSales] = r.renderSale
	r.byType[domain.TypeVoidSales] = r.renderSale
	r.byType[domain.TypeVoidReturn] = r.renderSale
	r.byType[domain.TypeNormalSalesCancel] = r.renderCancelled
	return r
}

// Receipt renders the customer-facing text.
func (r *Registry) Receipt(t *domain.Transaction) string {
	render, ok := r.byType[domain.EffectiveType(t.TransactionType, t.IsCancelled)]
	if !ok {
		render = r.fallback
	}
	return render(t)
}

// Journal renders the audit text: the receipt body under an audit header
// that pins the record to its terminal, session and sequence.
func (r *Registry) Journal(t *domain.Transaction) string {
	var b strings.Builder
	b.WriteString(rule('='))
	b.WriteString(fmt.Sprintf("%s seq=%d open=%d\n", t.TerminalID, t.BusinessCounter, t.OpenCounter))
	b.WriteString(r.Receipt(t))
	return b.String()
}

func (r *Registry) renderSale(t *domain.Transaction) string {
	var b strings.Builder
	writeHeader(&b, domain.TransactionTypeName(t.TransactionType), t.StoreCode, t.TerminalNo, t.BusinessDate)
	b.WriteString(fmt.Sprintf("No.%04d          Receipt No.%04d\n", t.TransactionNo, t.ReceiptNo))
	b.WriteString(rule('-'))

	for _, line := range t.Lines {
		if line.IsCancelled {
			continue
		}
		b.WriteString(pad(line.Description, money(line.Amount)))
		if line.Quantity != 1 {
			b.WriteString(fmt.Sprintf("  %d x %s\n", line.Quantity, money(line.UnitPrice)))
		}
		for _, d := range line.Discounts {
			b.WriteString(pad("  discount", "-"+money(d.ResolvedAmount)))
		}
	}
	b.WriteString(rule('-'))
	b.WriteString(pad("SUBTOTAL", money(t.Sales.TotalWithTax+t.Sales.SubtotalDiscountTotal-sumExternalTax(t))))
	for _, d := range t.SubtotalDiscounts {
		b.WriteString(pad("DISCOUNT", "-"+money(d.ResolvedAmount)))
	}
	for _, tax := range t.Taxes {
		label := fmt.Sprintf("TAX %s %.0f%%", strings.ToUpper(string(tax.TaxKind)), tax.Rate*100)
		b.WriteString(pad(label, money(tax.TaxAmount)))
	}
	b.WriteString(pad("TOTAL", money(t.Sales.TotalWithTax)))
	for _, p := range t.Payments {
		b.WriteString(pad(p.Description, money(p.Tendered)))
		if p.Change > 0 {
			b.WriteString(pad("CHANGE", money(p.Change)))
		}
	}
	if t.OriginTransactionNo != 0 {
		b.WriteString(fmt.Sprintf("ref: No.%04d\n", t.OriginTransactionNo))
	}
	return b.String()
}

func (r *Registry) renderCancelled(t *domain.Transaction) string {
	var b strings.Builder
	writeHeader(&b, domain.TransactionTypeName(domain.EffectiveType(t.TransactionType, t.IsCancelled)), t.StoreCode, t.TerminalNo, t.BusinessDate)
	b.WriteString(center("*** CANCELLED ***"))
	b.WriteString(pad("items", fmt.Sprintf("%d", t.Sales.Quantity)))
	return b.String()
}

// CashMovement renders the receipt for a cash-in or cash-out.
func (r *Registry) CashMovement(ref domain.TerminalRef, m *domain.CashMovement) string {
	var b strings.Builder
	writeHeader(&b, domain.TransactionTypeName(m.TransactionType), ref.StoreCode, ref.TerminalNo, m.BusinessDate)
	b.WriteString(pad("AMOUNT", money(m.Amount)))
	if m.Reason != "" {
		b.WriteString("reason: " + m.Reason + "\n")
	}
	return b.String()
}

// OpenClose renders the session transition slip; close includes the
// reconciliation block.
func (r *Registry) OpenClose(ref domain.TerminalRef, rec *domain.OpenCloseRecord) string {
	var b strings.Builder
	name := domain.TypeOpenTerminal
	if rec.Operation == "close" {
		name = domain.TypeCloseTerminal
	}
	writeHeader(&b, domain.TransactionTypeName(name), ref.StoreCode, ref.TerminalNo, rec.BusinessDate)
	b.WriteString(pad("session", fmt.Sprintf("#%d", rec.OpenCounter)))
	if rec.Operation == "open" {
		b.WriteString(pad("INITIAL FLOAT", money(rec.InitialAmount)))
	}
	if rc := rec.Reconciliation; rc != nil {
		b.WriteString(rule('-'))
		b.WriteString(pad("transactions", fmt.Sprintf("%d", rc.TransactionCount)))
		b.WriteString(pad("cash moves", fmt.Sprintf("%d", rc.CashMovementCount)))
		b.WriteString(pad("THEORETICAL", money(rc.TheoreticalAmount)))
		b.WriteString(pad("COUNTED", money(rc.CountedAmount)))
		b.WriteString(pad("DIFFERENCE", money(rc.Difference)))
	}
	return b.String()
}

// Report renders the flash/daily report slip.
func (r *Registry) Report(rep *domain.SalesReport) string {
	var b strings.Builder
	title := "FLASH REPORT"
	if rep.Scope == domain.ReportScopeDaily {
		title = "DAILY REPORT"
	}
	writeHeader(&b, title, rep.StoreCode, rep.TerminalNo, rep.BusinessDate)
	b.WriteString(pad("GROSS SALES", money(rep.GrossSales.Amount)))
	b.WriteString(pad("  count", fmt.Sprintf("%d", rep.GrossSales.Count)))
	b.WriteString(pad("RETURNS", money(rep.Returns.Amount)))
	b.WriteString(pad("DISCOUNTS", money(rep.LineDiscountTotal+rep.SubtotalDiscountTotal)))
	b.WriteString(pad("TAX", money(rep.TaxTotal)))
	b.WriteString(pad("NET SALES", money(rep.NetSales)))
	b.WriteString(rule('-'))
	for _, p := range rep.Payments {
		b.WriteString(pad("PAY "+p.PaymentCode, money(p.Amount)))
	}
	for _, tax := range rep.Taxes {
		b.WriteString(pad("TAX "+tax.TaxCode, money(tax.TaxAmount)))
	}
	b.WriteString(pad("CASH IN", money(rep.Cash.CashInAmount)))
	b.WriteString(pad("CASH OUT", money(rep.Cash.CashOutAmount)))
	return b.String()
}

func writeHeader(b *strings.Builder, title, storeCode string, terminalNo int, businessDate string) {
	b.WriteString(center(title))
	b.WriteString(fmt.Sprintf("%s #%d  %s\n", storeCode, terminalNo, formatDate(businessDate)))
	b.WriteString(rule('='))
}

func formatDate(businessDate string) string {
	if len(businessDate) != 8 {
		return businessDate
	}
	return businessDate[:4] + "-" + businessDate[4:6] + "-" + businessDate[6:]
}

func sumExternalTax(t *domain.Transaction) int64 {
	var sum int64
	for _, tax := range t.Taxes {
		if tax.TaxKind == domain.TaxExternal {
			sum += tax.TaxAmount
		}
	}
	return sum
}

// money renders minor units with thousands separators.
func money(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d", v)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		return "-" + s
	}
	return s
}

func pad(left, right string) string {
	gap := width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right + "\n"
}

func center(s string) string {
	if len(s) >= width {
		return s + "\n"
	}
	lead := (width - len(s)) / 2
	return strings.Repeat(" ", lead) + s + "\n"
}

func rule(ch byte) string {
	return strings.Repeat(string(ch), width) + "\n"
}
