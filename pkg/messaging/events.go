package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventStockAllocated     = "inventory.stock.allocated"
	EventStockReceived      = "inventory.stock.received"
	EventStockReturned      = "inventory.stock.returned"
	EventTransferDispatched = "inventory.transfer.dispatched"
	EventBatchExpired       = "inventory.batch.expired"
	EventAlertGenerated     = "inventory.alert.generated"
)

// Exchange names
const (
	ExchangeInventoryEvents = "inventory.events"
	ExchangeDeadLetter      = "dlx.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// BatchLine describes the quantity taken from or put into one batch.
type BatchLine struct {
	BatchID           string          `json:"batch_id"`
	BatchNumber       string          `json:"batch_number"`
	Quantity          int             `json:"quantity"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
}

// StockAllocatedEvent is published after an outbound movement commits
type StockAllocatedEvent struct {
	ProductID     string          `json:"product_id"`
	BranchID      string          `json:"branch_id"`
	MovementType  string          `json:"movement_type"`
	Quantity      int             `json:"quantity"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	Actor         string          `json:"actor"`
	Lines         []BatchLine     `json:"lines"`
	Balance       int             `json:"balance"`
}

// StockReceivedEvent is published when a new batch arrives
type StockReceivedEvent struct {
	ProductID     string    `json:"product_id"`
	BranchID      string    `json:"branch_id"`
	MovementType  string    `json:"movement_type"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	Actor         string    `json:"actor"`
	Line          BatchLine `json:"line"`
	Balance       int       `json:"balance"`
}

// StockReturnedEvent is published when stock goes back into an existing batch
type StockReturnedEvent struct {
	ProductID     string `json:"product_id"`
	BranchID      string `json:"branch_id"`
	BatchID       string `json:"batch_id"`
	BatchNumber   string `json:"batch_number"`
	MovementType  string `json:"movement_type"`
	Quantity      int    `json:"quantity"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Actor         string `json:"actor"`
	Balance       int    `json:"balance"`
}

// TransferDispatchedEvent carries the source half of a branch transfer to
// the destination branch.
type TransferDispatchedEvent struct {
	TransferID   string      `json:"transfer_id"`
	ProductID    string      `json:"product_id"`
	FromBranchID string      `json:"from_branch_id"`
	ToBranchID   string      `json:"to_branch_id"`
	Quantity     int         `json:"quantity"`
	Actor        string      `json:"actor"`
	Lines        []BatchLine `json:"lines"`
}

// BatchExpiredEvent is published when the expiry sweep retires a batch
type BatchExpiredEvent struct {
	BatchID     string    `json:"batch_id"`
	BatchNumber string    `json:"batch_number"`
	ProductID   string    `json:"product_id"`
	BranchID    string    `json:"branch_id"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Quantity    int       `json:"quantity"`
}

// AlertGeneratedEvent is published when an alert is generated
type AlertGeneratedEvent struct {
	AlertID      string    `json:"alert_id"`
	Kind         string    `json:"kind"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	ProductID    string    `json:"product_id"`
	BranchID     string    `json:"branch_id"`
	BatchID      string    `json:"batch_id,omitempty"`
	BatchNumber  string    `json:"batch_number,omitempty"`
	CurrentStock int       `json:"current_stock"`
	Threshold    int       `json:"threshold"`
	DaysToExpiry *int      `json:"days_to_expiry,omitempty"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.NewString()
}
