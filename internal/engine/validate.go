package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	// cas accepts a registry number with a valid check digit.
	_ = v.RegisterValidation("cas", func(fl validator.FieldLevel) bool {
		cas, ok := ingest.CleanCAS(fl.Field().String())
		return ok && cas == strings.TrimSpace(fl.Field().String())
	})
	return v
}

// validateMaterial normalizes m and checks it against its struct tags.
func (e *Engine) validateMaterial(m *model.Material) error {
	m.ReferenceCode = strings.TrimSpace(m.ReferenceCode)
	m.Name = strings.TrimSpace(m.Name)
	m.Supplier = strings.TrimSpace(m.Supplier)
	m.MaterialType = strings.TrimSpace(m.MaterialType)
	if raw := strings.TrimSpace(m.CASNumber); raw != "" {
		if cas, ok := ingest.CleanCAS(raw); ok {
			m.CASNumber = cas
		} else {
			m.CASNumber = raw
		}
	}

	err := e.validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "engine: validate material")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	label := m.ReferenceCode
	if label == "" {
		label = "material"
	}
	return model.NewError(model.KindValidation, "%s: %s", label, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "cas":
		return fmt.Sprintf("%s %q is not a valid CAS registry number", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
