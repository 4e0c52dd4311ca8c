package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

// ReportRepository persists the report service's event copies and runs
// the sales aggregation pipeline over them.
type ReportRepository struct {
	store *Store
	ttl   time.Duration
}

func NewReportRepository(store *Store, dedupTTL time.Duration) *ReportRepository {
	return &ReportRepository{store: store, ttl: dedupTTL}
}

// ConsumeTransaction persists the tranlog copy and dedup marker together.
func (r *ReportRepository) ConsumeTransaction(ctx context.Context, tenantID, eventID string, rec *TranlogRecord) error {
	return r.store.consumeOnce(ctx, tenantID, colReportDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		_, err := r.store.collection(tenantID, colReportTranlogs).InsertOne(sc, rec)
		return err
	})
}

// ConsumeCash persists the cashlog copy and dedup marker together.
func (r *ReportRepository) ConsumeCash(ctx context.Context, tenantID, eventID string, rec *CashlogRecord) error {
	return r.store.consumeOnce(ctx, tenantID, colReportDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		_, err := r.store.collection(tenantID, colReportCashlogs).InsertOne(sc, rec)
		return err
	})
}

// ConsumeSession persists the open/close copy and dedup marker together.
func (r *ReportRepository) ConsumeSession(ctx context.Context, tenantID, eventID string, rec *SessionRecord) error {
	return r.store.consumeOnce(ctx, tenantID, colReportDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		_, err := r.store.collection(tenantID, colReportSessions).InsertOne(sc, rec)
		return err
	})
}

// ReportWindow scopes an aggregation run. TerminalNo 0 means the whole
// store; OpenCounter 0 means the whole business date.
type ReportWindow struct {
	StoreCode    string
	TerminalNo   int
	BusinessDate string
	OpenCounter  int64
}

func (w ReportWindow) filter() bson.M {
	f := bson.M{
		"storeCode":    w.StoreCode,
		"businessDate": w.BusinessDate,
	}
	if w.TerminalNo > 0 {
		f["terminalNo"] = w.TerminalNo
	}
	if w.OpenCounter > 0 {
		f["openCounter"] = w.OpenCounter
	}
	return f
}

// Tranlogs returns the window's transaction copies for in-process folding.
func (r *ReportRepository) Tranlogs(ctx context.Context, tenantID string, w ReportWindow) ([]*TranlogRecord, error) {
	filter := w.filter()
	filter["transactionType"] = bson.M{"$in": salesAggregationTypes()}
	cur, err := r.store.collection(tenantID, colReportTranlogs).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "transactionNo", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*TranlogRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SalesTotals is the totals facet of the aggregation pipeline.
type SalesTotals struct {
	TransactionCount      int64 `bson:"transactionCount"`
	GrossCount            int64 `bson:"grossCount"`
	GrossQuantity         int64 `bson:"grossQuantity"`
	GrossAmount           int64 `bson:"grossAmount"`
	ReturnsCount          int64 `bson:"returnsCount"`
	ReturnsQuantity       int64 `bson:"returnsQuantity"`
	ReturnsAmount         int64 `bson:"returnsAmount"`
	LineDiscountTotal     int64 `bson:"lineDiscountTotal"`
	SubtotalDiscountTotal int64 `bson:"subtotalDiscountTotal"`
	TaxTotal              int64 `bson:"taxTotal"`
}

// PaymentBucket is one payment code's factor-weighted aggregate.
type PaymentBucket struct {
	Code   string `bson:"_id"`
	Count  int64  `bson:"count"`
	Amount int64  `bson:"amount"`
}

// TaxBucket is one tax code's factor-weighted aggregate.
type TaxBucket struct {
	Code         string `bson:"_id"`
	TargetAmount int64  `bson:"targetAmount"`
	TaxAmount    int64  `bson:"taxAmount"`
}

// SalesAggregate is the decoded pipeline output.
type SalesAggregate struct {
	Totals   SalesTotals
	Payments []PaymentBucket
	Taxes    []TaxBucket
}

func salesAggregationTypes() bson.A {
	return bson.A{
		domain.TypeNormalSales,
		domain.TypeReturnSales,
		domain.TypeVoidSales,
		domain.TypeVoidReturn,
	}
}

// AggregateSales runs the factor-weighted aggregation over the window.
//
// The pipeline unwinds both the payments and taxes arrays, which
// multiplies rows per transaction. The re-group therefore collects both
// arrays with $addToSet: element keys (paymentNo, taxCode) keep set
// members distinct, so each array comes back exactly once instead of
// inflated by the other's cardinality. Per-transaction tax is then a
// single $reduce over the reassembled set.
func (r *ReportRepository) AggregateSales(ctx context.Context, tenantID string, w ReportWindow) (*SalesAggregate, error) {
	match := w.filter()
	match["transactionType"] = bson.M{"$in": salesAggregationTypes()}
	// A cancelled sale is journaled but never counted: its effective type
	// carries zero weight, same as the in-process fold.
	match["isCancelled"] = false

	whenPositive := func(expr interface{}) bson.M {
		return bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$gt": bson.A{"$factor", 0}}, expr, 0}}}
	}
	whenNegative := func(expr interface{}) bson.M {
		return bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$lt": bson.A{"$factor", 0}}, expr, 0}}}
	}
	weighted := func(field string) bson.M {
		return bson.M{"$sum": bson.M{"$multiply": bson.A{"$factor", field}}}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{
			"factor": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{
						"case": bson.M{"$in": bson.A{"$transactionType", bson.A{domain.TypeNormalSales, domain.TypeVoidReturn}}},
						"then": 1,
					},
					bson.M{
						"case": bson.M{"$in": bson.A{"$transactionType", bson.A{domain.TypeReturnSales, domain.TypeVoidSales}}},
						"then": -1,
					},
				},
				"default": 0,
			}},
		}}},
		{{Key: "$unwind", Value: bson.M{"path": "$payments", "preserveNullAndEmptyArrays": true}}},
		{{Key: "$unwind", Value: bson.M{"path": "$taxes", "preserveNullAndEmptyArrays": true}}},
		{{Key: "$group", Value: bson.M{
			"_id":                   "$_id",
			"factor":                bson.M{"$first": "$factor"},
			"quantity":              bson.M{"$first": "$sales.quantity"},
			"totalWithTax":          bson.M{"$first": "$sales.totalWithTax"},
			"lineDiscountTotal":     bson.M{"$first": "$sales.lineDiscountTotal"},
			"subtotalDiscountTotal": bson.M{"$first": "$sales.subtotalDiscountTotal"},
			"paymentSet":            bson.M{"$addToSet": "$payments"},
			"taxSet":                bson.M{"$addToSet": "$taxes"},
		}}},
		{{Key: "$addFields", Value: bson.M{
			"transactionTax": bson.M{"$reduce": bson.M{
				"input":        "$taxSet",
				"initialValue": 0,
				"in": bson.M{"$add": bson.A{
					"$$value",
					bson.M{"$ifNull": bson.A{"$$this.taxAmount", 0}},
				}},
			}},
		}}},
		{{Key: "$facet", Value: bson.M{
			"totals": bson.A{
				bson.M{"$group": bson.M{
					"_id":                   nil,
					"transactionCount":      bson.M{"$sum": 1},
					"grossCount":            whenPositive(1),
					"grossQuantity":         whenPositive("$quantity"),
					"grossAmount":           whenPositive("$totalWithTax"),
					"returnsCount":          whenNegative(1),
					"returnsQuantity":       whenNegative("$quantity"),
					"returnsAmount":         whenNegative("$totalWithTax"),
					"lineDiscountTotal":     weighted("$lineDiscountTotal"),
					"subtotalDiscountTotal": weighted("$subtotalDiscountTotal"),
					"taxTotal":              weighted("$transactionTax"),
				}},
			},
			"payments": bson.A{
				bson.M{"$unwind": "$paymentSet"},
				bson.M{"$match": bson.M{"paymentSet": bson.M{"$ne": nil}}},
				bson.M{"$group": bson.M{
					"_id":    "$paymentSet.paymentCode",
					"count":  bson.M{"$sum": "$factor"},
					"amount": bson.M{"$sum": bson.M{"$multiply": bson.A{"$factor", "$paymentSet.amount"}}},
				}},
				bson.M{"$sort": bson.M{"_id": 1}},
			},
			"taxes": bson.A{
				bson.M{"$unwind": "$taxSet"},
				bson.M{"$match": bson.M{"taxSet": bson.M{"$ne": nil}}},
				bson.M{"$group": bson.M{
					"_id":          "$taxSet.taxCode",
					"targetAmount": bson.M{"$sum": bson.M{"$multiply": bson.A{"$factor", "$taxSet.targetAmount"}}},
					"taxAmount":    bson.M{"$sum": bson.M{"$multiply": bson.A{"$factor", "$taxSet.taxAmount"}}},
				}},
				bson.M{"$sort": bson.M{"_id": 1}},
			},
		}}},
	}

	cur, err := r.store.collection(tenantID, colReportTranlogs).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate sales: %w", err)
	}
	var raw []struct {
		Totals   []SalesTotals   `bson:"totals"`
		Payments []PaymentBucket `bson:"payments"`
		Taxes    []TaxBucket     `bson:"taxes"`
	}
	if err := cur.All(ctx, &raw); err != nil {
		return nil, err
	}

	agg := &SalesAggregate{}
	if len(raw) > 0 {
		if len(raw[0].Totals) > 0 {
			agg.Totals = raw[0].Totals[0]
		}
		agg.Payments = raw[0].Payments
		agg.Taxes = raw[0].Taxes
	}
	return agg, nil
}

// CashStats folds the window's out-of-sale cash movements.
func (r *ReportRepository) CashStats(ctx context.Context, tenantID string, w ReportWindow) (domain.CashReportLine, error) {
	var line domain.CashReportLine
	cur, err := r.store.collection(tenantID, colReportCashlogs).Find(ctx, w.filter())
	if err != nil {
		return line, err
	}
	var logs []*CashlogRecord
	if err := cur.All(ctx, &logs); err != nil {
		return line, err
	}
	for _, l := range logs {
		if l.TransactionType == domain.TypeCashOut {
			line.CashOutCount++
			line.CashOutAmount += l.Amount
		} else {
			line.CashInCount++
			line.CashInAmount += l.Amount
		}
	}
	line.NetMovement = line.CashInAmount - line.CashOutAmount
	return line, nil
}

// SessionOperations returns the distinct terminal ids that emitted open
// and close events for the store and business date.
func (r *ReportRepository) SessionOperations(ctx context.Context, tenantID, storeCode, businessDate string) (opened, closed []string, err error) {
	col := r.store.collection(tenantID, colReportSessions)
	base := bson.M{"storeCode": storeCode, "businessDate": businessDate}

	openFilter := bson.M{"operation": "open"}
	for k, v := range base {
		openFilter[k] = v
	}
	rawOpen, err := col.Distinct(ctx, "terminalId", openFilter)
	if err != nil {
		return nil, nil, err
	}
	closeFilter := bson.M{"operation": "close"}
	for k, v := range base {
		closeFilter[k] = v
	}
	rawClose, err := col.Distinct(ctx, "terminalId", closeFilter)
	if err != nil {
		return nil, nil, err
	}

	for _, v := range rawOpen {
		if s, ok := v.(string); ok {
			opened = append(opened, s)
		}
	}
	for _, v := range rawClose {
		if s, ok := v.(string); ok {
			closed = append(closed, s)
		}
	}
	return opened, closed, nil
}

// ActiveTerminals returns the distinct terminal ids that produced
// transactions in the window.
func (r *ReportRepository) ActiveTerminals(ctx context.Context, tenantID, storeCode, businessDate string) ([]string, error) {
	raw, err := r.store.collection(tenantID, colReportTranlogs).Distinct(ctx, "terminalId", bson.M{
		"storeCode":    storeCode,
		"businessDate": businessDate,
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SaveReport upserts a generated report under its deterministic id, so
// regenerating a window replaces rather than duplicates.
func (r *ReportRepository) SaveReport(ctx context.Context, rep *domain.SalesReport) error {
	if rep.ID == "" {
		rep.ID = fmt.Sprintf("%s:%s:%d:%s", rep.Scope, rep.StoreCode, rep.TerminalNo, rep.BusinessDate)
		if rep.OpenCounter > 0 {
			rep.ID = fmt.Sprintf("%s:%d", rep.ID, rep.OpenCounter)
		}
	}
	_, err := r.store.collection(rep.TenantID, colReports).ReplaceOne(
		ctx, bson.M{"_id": rep.ID}, rep, options.Replace().SetUpsert(true),
	)
	return err
}

// GetReport loads a previously generated report.
func (r *ReportRepository) GetReport(ctx context.Context, tenantID, reportID string) (*domain.SalesReport, error) {
	var rep domain.SalesReport
	err := r.store.collection(tenantID, colReports).
		FindOne(ctx, bson.M{"_id": reportID}).
		Decode(&rep)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}
