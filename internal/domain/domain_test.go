package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalRefID(t *testing.T) {
	ref := TerminalRef{TenantID: "tenant0001", StoreCode: "S001", TerminalNo: 5}
	assert.Equal(t, "tenant0001-S001-5", ref.ID())
}

func TestParseTerminalID(t *testing.T) {
	ref, err := ParseTerminalID("tenant0001-S001-5")
	require.NoError(t, err)
	assert.Equal(t, TerminalRef{TenantID: "tenant0001", StoreCode: "S001", TerminalNo: 5}, ref)

	// Tenant ids may themselves contain dashes.
	ref, err = ParseTerminalID("acme-west-S002-12")
	require.NoError(t, err)
	assert.Equal(t, "acme-west", ref.TenantID)
	assert.Equal(t, "S002", ref.StoreCode)
	assert.Equal(t, 12, ref.TerminalNo)

	_, err = ParseTerminalID("short")
	assert.Error(t, err)

	_, err = ParseTerminalID("t-S001-notanumber")
	assert.Error(t, err)
}

func TestValidBusinessDate(t *testing.T) {
	assert.True(t, ValidBusinessDate("20250301"))
	assert.False(t, ValidBusinessDate("2025-03-01"))
	assert.False(t, ValidBusinessDate("20251301"))
	assert.False(t, ValidBusinessDate(""))
}

func TestReportFactor(t *testing.T) {
	assert.Equal(t, int64(1), ReportFactor(TypeNormalSales))
	assert.Equal(t, int64(-1), ReportFactor(TypeReturnSales))
	assert.Equal(t, int64(-1), ReportFactor(TypeVoidSales))
	assert.Equal(t, int64(1), ReportFactor(TypeVoidReturn))
	assert.Equal(t, int64(0), ReportFactor(TypeNormalSalesCancel))
	assert.Equal(t, int64(0), ReportFactor(TypeCashIn))
}

func TestEnvelopeAddressing(t *testing.T) {
	env := &EventEnvelope{EventID: NewEventID()}
	assert.True(t, env.AddressedTo("journal"), "no recipients means everyone")

	env.Recipients = []string{"report"}
	assert.True(t, env.AddressedTo("report"))
	assert.False(t, env.AddressedTo("journal"))
}

func TestDeliveryAcknowledgeLifecycle(t *testing.T) {
	now := time.Now()
	env := &EventEnvelope{
		EventID: "evt-1", Topic: TopicTranlog, TenantID: "t1",
		TerminalID: "t1-S001-1", BusinessDate: "20250301",
	}
	d := NewDeliveryStatus(env, []byte(`{}`), []string{"journal", "report"}, now)
	assert.Equal(t, DeliveryPublished, d.State)
	assert.ElementsMatch(t, []string{"journal", "report"}, d.PendingSubscribers())

	changed, found := d.Acknowledge("journal", true, "", now.Add(time.Second))
	assert.True(t, changed)
	assert.True(t, found)
	assert.Equal(t, DeliveryPartial, d.State)
	assert.Equal(t, []string{"report"}, d.PendingSubscribers())

	changed, _ = d.Acknowledge("report", true, "", now.Add(2*time.Second))
	assert.True(t, changed)
	assert.Equal(t, DeliveryDelivered, d.State)
	assert.Empty(t, d.PendingSubscribers())
}

func TestDeliveryAcknowledgeIdempotent(t *testing.T) {
	now := time.Now()
	env := &EventEnvelope{EventID: "evt-2", Topic: TopicTranlog, TenantID: "t1"}
	d := NewDeliveryStatus(env, nil, []string{"journal"}, now)

	changed, _ := d.Acknowledge("journal", true, "", now)
	assert.True(t, changed)
	assert.Equal(t, DeliveryDelivered, d.State)

	// Replays and late failures never regress a received subscriber.
	changed, _ = d.Acknowledge("journal", true, "", now)
	assert.False(t, changed)
	changed, _ = d.Acknowledge("journal", false, "late failure", now)
	assert.False(t, changed)
	assert.Equal(t, DeliveryDelivered, d.State)
}

func TestDeliveryAcknowledgeFailureThenRecovery(t *testing.T) {
	now := time.Now()
	env := &EventEnvelope{EventID: "evt-3", Topic: TopicCashlog, TenantID: "t1"}
	d := NewDeliveryStatus(env, nil, []string{"journal", "report"}, now)

	changed, _ := d.Acknowledge("journal", false, "apply error", now)
	assert.True(t, changed)
	assert.Equal(t, DeliveryPublished, d.State, "failures alone do not advance the overall state")

	// A later successful retry moves the subscriber forward.
	changed, _ = d.Acknowledge("journal", true, "", now.Add(time.Minute))
	assert.True(t, changed)
	assert.Equal(t, DeliveryPartial, d.State)
}

func TestDeliveryAcknowledgeUnknownSubscriber(t *testing.T) {
	now := time.Now()
	env := &EventEnvelope{EventID: "evt-4", Topic: TopicTranlog, TenantID: "t1"}
	d := NewDeliveryStatus(env, nil, []string{"journal"}, now)

	changed, found := d.Acknowledge("billing", true, "", now)
	assert.False(t, changed)
	assert.False(t, found)
}

func TestDeliveryFailedIsTerminal(t *testing.T) {
	now := time.Now()
	env := &EventEnvelope{EventID: "evt-5", Topic: TopicTranlog, TenantID: "t1"}
	d := NewDeliveryStatus(env, nil, []string{"journal"}, now)
	d.State = DeliveryFailed

	changed, _ := d.Acknowledge("journal", true, "", now)
	assert.True(t, changed, "subscriber record still updates")
	assert.Equal(t, DeliveryFailed, d.State, "overall state stays failed")
}

func TestCartLineHelpers(t *testing.T) {
	c := &Cart{Lines: []LineItem{
		{LineNo: 1, ItemCode: "A"},
		{LineNo: 2, ItemCode: "B", IsCancelled: true},
		{LineNo: 3, ItemCode: "C"},
	}}
	assert.Len(t, c.ActiveLines(), 2)
	assert.Equal(t, 4, c.NextLineNo())
	require.NotNil(t, c.Line(2))
	assert.True(t, c.Line(2).IsCancelled)
	assert.Nil(t, c.Line(99))
}

func TestSalesSummaryIdentity(t *testing.T) {
	// grossSales = netSales + lineDiscount + subtotalDiscount + tax
	s := SalesSummary{
		GrossSales:            3800,
		NetSales:              3000,
		LineDiscountTotal:     500,
		SubtotalDiscountTotal: 0,
		TaxTotal:              300,
		TotalWithTax:          3300,
	}
	assert.Equal(t, s.GrossSales, s.NetSales+s.LineDiscountTotal+s.SubtotalDiscountTotal+s.TaxTotal)
}
