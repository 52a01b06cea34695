package domain

import "fmt"

// MovementType names the business event behind a quantity change. The set
// is closed: every value has a direction and an allocation policy.
type MovementType string

const (
	MovementGRNReceived    MovementType = "GRN_RECEIVED"
	MovementSale           MovementType = "SALE"
	MovementSaleReturn     MovementType = "SALE_RETURN"
	MovementPurchaseReturn MovementType = "PURCHASE_RETURN"
	MovementTransferOut    MovementType = "STOCK_TRANSFER_OUT"
	MovementTransferIn     MovementType = "STOCK_TRANSFER_IN"
	MovementAdjustment     MovementType = "STOCK_ADJUSTMENT"
	MovementExpiredStock   MovementType = "EXPIRED_STOCK"
	MovementDamagedStock   MovementType = "DAMAGED_STOCK"
)

// MovementTypes lists every movement type.
var MovementTypes = []MovementType{
	MovementGRNReceived,
	MovementSale,
	MovementSaleReturn,
	MovementPurchaseReturn,
	MovementTransferOut,
	MovementTransferIn,
	MovementAdjustment,
	MovementExpiredStock,
	MovementDamagedStock,
}

// Direction is the effect a movement has on stock.
type Direction int

const (
	Inbound Direction = iota + 1
	Outbound
	Either
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case Either:
		return "either"
	default:
		return "unknown"
	}
}

// Direction returns the stock direction of m. It panics on values outside
// the closed set, which can only come from unchecked conversions.
func (m MovementType) Direction() Direction {
	switch m {
	case MovementGRNReceived, MovementSaleReturn, MovementTransferIn:
		return Inbound
	case MovementSale, MovementPurchaseReturn, MovementTransferOut, MovementExpiredStock, MovementDamagedStock:
		return Outbound
	case MovementAdjustment:
		return Either
	}
	panic(fmt.Sprintf("unknown movement type %q", string(m)))
}

// UsesFEFO reports whether outbound quantities of m are drawn in expiry
// order when the caller does not name a batch.
func (m MovementType) UsesFEFO() bool {
	switch m {
	case MovementSale, MovementPurchaseReturn, MovementTransferOut, MovementAdjustment:
		return true
	default:
		return false
	}
}

// IsWriteOff reports whether m removes stock from an already chosen batch,
// expired or not.
func (m MovementType) IsWriteOff() bool {
	return m == MovementExpiredStock || m == MovementDamagedStock
}

// CountsAsSale reports whether withdrawn quantity is booked to
// quantity_sold rather than quantity_withdrawn.
func (m MovementType) CountsAsSale() bool {
	return m == MovementSale
}

// Valid reports whether m belongs to the closed set.
func (m MovementType) Valid() bool {
	for _, t := range MovementTypes {
		if t == m {
			return true
		}
	}
	return false
}

// ParseMovementType validates s.
func ParseMovementType(s string) (MovementType, error) {
	m := MovementType(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown movement type %q", s)
	}
	return m, nil
}
