package service

import (
	"github.com/go-playground/validator/v10"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/httputil"
)

func init() {
	// movement accepts only the closed set of movement types.
	if err := httputil.RegisterCustomValidation("movement", func(fl validator.FieldLevel) bool {
		return domain.MovementType(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
}
