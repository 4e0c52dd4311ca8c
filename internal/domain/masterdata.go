package domain

// RoundingMode is the tenant-level policy for fractional tax and percent
// discount results.
type RoundingMode string

const (
	RoundHalfUp  RoundingMode = "halfUp"
	RoundFloor   RoundingMode = "floor"
	RoundCeiling RoundingMode = "ceiling"
)

// Valid reports whether the mode is one of the supported policies.
func (m RoundingMode) Valid() bool {
	switch m {
	case RoundHalfUp, RoundFloor, RoundCeiling:
		return true
	}
	return false
}

// Payment handler identifiers. The registry maps payment codes onto these
// behaviors at startup and stays closed afterwards.
const (
	PaymentHandlerCash     = "cash"
	PaymentHandlerCashless = "cashless"
	PaymentHandlerOther    = "other"
)

// Well-known payment codes.
const (
	PaymentCodeCash     = "01"
	PaymentCodeCashless = "11"
	PaymentCodeOther    = "12"
)

// Item is the sellable product master record.
type Item struct {
	Code        string `bson:"_id" json:"itemCode"`
	Description string `bson:"description" json:"description"`
	UnitPrice   int64  `bson:"unitPrice" json:"unitPrice"`
	TaxCode     string `bson:"taxCode" json:"taxCode"`
	Meta        `bson:",inline"`
}

// TaxRule is the tax master record referenced by item tax codes.
type TaxRule struct {
	Code        string  `bson:"_id" json:"taxCode"`
	Kind        TaxKind `bson:"kind" json:"kind"`
	Rate        float64 `bson:"rate" json:"rate"`
	Description string  `bson:"description" json:"description"`
	Meta        `bson:",inline"`
}

// PaymentMethodSpec binds a payment code to its handler behavior.
type PaymentMethodSpec struct {
	Code        string `bson:"_id" json:"paymentCode"`
	Description string `bson:"description" json:"description"`
	Handler     string `bson:"handler" json:"handler"`
	Meta        `bson:",inline"`
}

// Staff is the operator master record. PinHash is a bcrypt hash; the
// plain PIN never persists.
type Staff struct {
	ID      string `bson:"_id" json:"staffId"`
	Name    string `bson:"name" json:"name"`
	PinHash string `bson:"pinHash" json:"-"`
	Meta    `bson:",inline"`
}

// TenantSettings is the singleton per-tenant configuration document.
type TenantSettings struct {
	ID           string       `bson:"_id" json:"-"`
	RoundingMode RoundingMode `bson:"roundingMode" json:"roundingMode"`
	Meta         `bson:",inline"`
}

// TenantSettingsID is the fixed _id of the settings document inside each
// tenant database.
const TenantSettingsID = "settings"
