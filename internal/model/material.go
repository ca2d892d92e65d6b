package model

import "time"

// Material is the identity anchor for analyses and composites. ReferenceCode is
// the business key and is never reassigned.
type Material struct {
	ID            string    `json:"id" yaml:"id"`
	ReferenceCode string    `json:"reference_code" yaml:"reference_code" validate:"required,max=50"`
	Name          string    `json:"name" yaml:"name" validate:"required,max=200"`
	Supplier      string    `json:"supplier,omitempty" yaml:"supplier,omitempty" validate:"max=200"`
	CASNumber     string    `json:"cas_number,omitempty" yaml:"cas_number,omitempty" validate:"omitempty,max=50,cas"`
	MaterialType  string    `json:"material_type,omitempty" yaml:"material_type,omitempty" validate:"max=50"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	Active        bool      `json:"active" yaml:"active"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}
