package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/medflow/stock-ledger/pkg/errors"
)

// Sentinel causes carried by the AppErrors below. Match with errors.Is.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrBatchIneligible also matches ErrInsufficientStock: an expired or
	// inactive batch is simply skipped by the allocator.
	ErrBatchIneligible     = fmt.Errorf("batch expired or inactive: %w", ErrInsufficientStock)
	ErrDuplicateBatch      = errors.New("duplicate batch")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrNoRestockTarget     = errors.New("no restock target")
)

// InsufficientStock reports that requested exceeds what could be drawn.
func InsufficientStock(key StockKey, requested, available int) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("insufficient stock for product %s at branch %s", key.ProductID, key.BranchID),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"product_id": key.ProductID,
			"branch_id":  key.BranchID,
			"requested":  strconv.Itoa(requested),
			"available":  strconv.Itoa(available),
		},
	}
}

// InsufficientBatchStock reports that one batch cannot cover qty.
func InsufficientBatchStock(batchID string, requested, available int) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("batch %s cannot supply %d units", batchID, requested),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"batch_id":  batchID,
			"requested": strconv.Itoa(requested),
			"available": strconv.Itoa(available),
		},
	}
}

// BatchIneligible reports a reservation against an expired or inactive batch.
func BatchIneligible(batchID string) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrBatchIneligible,
		Code:       "BATCH_EXPIRED_OR_INACTIVE",
		Message:    fmt.Sprintf("batch %s is expired or inactive", batchID),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"batch_id": batchID},
	}
}

// DuplicateBatch reports a batch number already used for the product at the branch.
func DuplicateBatch(key StockKey, batchNumber string) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrDuplicateBatch,
		Code:       "DUPLICATE_BATCH",
		Message:    fmt.Sprintf("batch %s already exists for product %s at branch %s", batchNumber, key.ProductID, key.BranchID),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"product_id":   key.ProductID,
			"branch_id":    key.BranchID,
			"batch_number": batchNumber,
		},
	}
}

// LedgerInconsistency reports a broken running balance. It is never a
// business condition and aborts the unit of work.
func LedgerInconsistency(key StockKey, detail string) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrLedgerInconsistency,
		Code:       "LEDGER_INCONSISTENCY",
		Message:    fmt.Sprintf("ledger for product %s at branch %s is inconsistent: %s", key.ProductID, key.BranchID, detail),
		StatusCode: http.StatusInternalServerError,
		Details: map[string]string{
			"product_id": key.ProductID,
			"branch_id":  key.BranchID,
		},
	}
}

// NoRestockTarget reports a sale return for a product never stocked at the
// branch, so there is no batch to refill or mirror.
func NoRestockTarget(key StockKey, qty int) *apperrors.AppError {
	return &apperrors.AppError{
		Err:        ErrNoRestockTarget,
		Code:       "NO_RESTOCK_TARGET",
		Message:    "product has no batches at this branch, receive the returned stock as a new batch",
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"product_id": key.ProductID,
			"branch_id":  key.BranchID,
			"quantity":   strconv.Itoa(qty),
		},
	}
}
