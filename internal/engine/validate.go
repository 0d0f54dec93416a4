package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/trove-shop/storefront/internal/catalog"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

type mutationInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
}

// validateMutation rejects a mutation intent before any snapshot, store
// write, or network call. The catalog index may be nil when the catalog has
// not loaded; size-variant checks are skipped for products it cannot see.
func (e *Engine) validateMutation(input mutationInput, index *catalog.Index) error {
	if err := validate.Struct(input); err != nil {
		return formatValidationErrors(err)
	}

	if input.Quantity > e.maxPerLine {
		return pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("maximum quantity (%d) reached", e.maxPerLine)).
			WithDetails(map[string]any{"quantity": input.Quantity, "max": e.maxPerLine})
	}

	product, ok := index.Lookup(input.ProductID)
	if !ok {
		return nil
	}
	if product.HasSizes() {
		if strings.TrimSpace(input.Size) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "select product size")
		}
		if !product.HasSize(input.Size) {
			return pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("size %q is not offered for this product", input.Size))
		}
	}
	return nil
}

func formatValidationErrors(err error) *pkgerrors.Error {
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Field()] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	}
	return "is invalid"
}
