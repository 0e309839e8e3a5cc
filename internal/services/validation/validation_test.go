package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

type input struct {
	Code   string             `json:"code" validate:"required,max=4"`
	Type   models.PrinterType `json:"type" validate:"enum"`
	Copies int                `json:"copies" validate:"gte=1"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(input{Code: "AB", Type: models.PrinterTypeCard, Copies: 1}))

	err := Struct(input{Code: "", Type: "plotter", Copies: 0})
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Equal(t, `code is required; copies must be at least 1; type has unknown value "plotter"`, apperr.Reason(err))
}
