package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

type staticMethods map[string]*domain.PaymentMethodSpec

func (s staticMethods) PaymentMethod(_ context.Context, _ string, code string) (*domain.PaymentMethodSpec, error) {
	if m, ok := s[code]; ok {
		return m, nil
	}
	return nil, apperr.Validation(400301, "payment code "+code+" not registered")
}

func testEngine() *Engine {
	return NewEngine(DefaultRegistry(), staticMethods{
		"01": {Code: "01", Description: "Cash", Handler: domain.PaymentHandlerCash},
		"11": {Code: "11", Description: "Cashless", Handler: domain.PaymentHandlerCashless},
		"12": {Code: "12", Description: "Other", Handler: domain.PaymentHandlerOther},
	})
}

func TestCashExact(t *testing.T) {
	line, err := testEngine().Apply(context.Background(), "t1", 1, "01", 1100, "", 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), line.Amount)
	assert.Equal(t, int64(1100), line.Tendered)
	assert.Equal(t, int64(0), line.Change)
	assert.Equal(t, "01", line.PaymentCode)
}

func TestCashOverpaymentReturnsChange(t *testing.T) {
	line, err := testEngine().Apply(context.Background(), "t1", 1, "01", 2000, "", 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), line.Amount, "only the balance is applied")
	assert.Equal(t, int64(2000), line.Tendered)
	assert.Equal(t, int64(900), line.Change)
}

func TestCashPartialTender(t *testing.T) {
	line, err := testEngine().Apply(context.Background(), "t1", 1, "01", 500, "", 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(500), line.Amount)
	assert.Equal(t, int64(0), line.Change)
}

func TestCashlessCannotExceedBalance(t *testing.T) {
	_, err := testEngine().Apply(context.Background(), "t1", 1, "11", 1200, "", 1100)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))

	line, err := testEngine().Apply(context.Background(), "t1", 1, "11", 1100, "", 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), line.Amount)
	assert.Equal(t, int64(0), line.Change, "non-cash never produces change")
}

func TestOtherBehavesLikeCashless(t *testing.T) {
	_, err := testEngine().Apply(context.Background(), "t1", 1, "12", 101, "", 100)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))

	line, err := testEngine().Apply(context.Background(), "t1", 1, "12", 100, "voucher", 100)
	require.NoError(t, err)
	assert.Equal(t, "voucher", line.Detail)
}

func TestNonPositiveAmountRejected(t *testing.T) {
	for _, code := range []string{"01", "11", "12"} {
		_, err := testEngine().Apply(context.Background(), "t1", 1, code, 0, "", 100)
		require.Error(t, err, code)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestUnknownPaymentCode(t *testing.T) {
	_, err := testEngine().Apply(context.Background(), "t1", 1, "99", 100, "", 100)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(cashHandler{}))
	assert.Error(t, r.Register(cashHandler{}), "duplicate registration")

	r.Freeze()
	assert.Error(t, r.Register(otherHandler{}), "post-freeze registration")

	h, err := r.Resolve(domain.PaymentHandlerCash)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentHandlerCash, h.Name())

	_, err = r.Resolve("bitcoin")
	assert.Error(t, err)
}
