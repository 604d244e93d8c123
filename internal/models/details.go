package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ListingKind is the catalog category discriminator of a listing
type ListingKind string

const (
	KindClothing    ListingKind = "clothing"
	KindElectronics ListingKind = "electronics"
	KindGeneric     ListingKind = "generic"
)

// Details is the category-specific part of an item snapshot.
// Implemented only by the variant types in this file.
type Details interface {
	Kind() ListingKind
	isDetails()
}

// ClothingDetails variant
type ClothingDetails struct {
	Brand     string `json:"brand,omitempty"`
	Size      string `json:"size,omitempty"`
	Condition string `json:"condition,omitempty"`
}

func (ClothingDetails) Kind() ListingKind { return KindClothing }
func (ClothingDetails) isDetails()        {}

// ElectronicsDetails variant
type ElectronicsDetails struct {
	Brand     string `json:"brand,omitempty"`
	Model     string `json:"model,omitempty"`
	Condition string `json:"condition,omitempty"`
}

func (ElectronicsDetails) Kind() ListingKind { return KindElectronics }
func (ElectronicsDetails) isDetails()        {}

// GenericDetails covers every category without its own variant
type GenericDetails struct {
	Category  string `json:"category,omitempty"`
	Condition string `json:"condition,omitempty"`
}

func (GenericDetails) Kind() ListingKind { return KindGeneric }
func (GenericDetails) isDetails()        {}

// ItemDetails carries one Details variant through JSON and SQL
type ItemDetails struct {
	Details
}

type detailsEnvelope struct {
	Kind       ListingKind     `json:"kind"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// DecodeDetails builds the variant for a listing kind from its raw attributes.
// Unknown kinds decode as GenericDetails with the kind kept as category.
func DecodeDetails(kind ListingKind, attributes []byte) (ItemDetails, error) {
	var d Details
	switch kind {
	case KindClothing:
		var v ClothingDetails
		if err := unmarshalAttributes(attributes, &v); err != nil {
			return ItemDetails{}, err
		}
		d = v
	case KindElectronics:
		var v ElectronicsDetails
		if err := unmarshalAttributes(attributes, &v); err != nil {
			return ItemDetails{}, err
		}
		d = v
	default:
		var v GenericDetails
		if err := unmarshalAttributes(attributes, &v); err != nil {
			return ItemDetails{}, err
		}
		if v.Category == "" && kind != KindGeneric {
			v.Category = string(kind)
		}
		d = v
	}
	return ItemDetails{Details: d}, nil
}

func unmarshalAttributes(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid listing attributes: %w", err)
	}
	return nil
}

// MarshalJSON writes {"kind": ..., "attributes": {...}}
func (d ItemDetails) MarshalJSON() ([]byte, error) {
	if d.Details == nil {
		return []byte("null"), nil
	}
	attrs, err := json.Marshal(d.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(detailsEnvelope{Kind: d.Details.Kind(), Attributes: attrs})
}

// UnmarshalJSON reads the envelope written by MarshalJSON
func (d *ItemDetails) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		d.Details = nil
		return nil
	}
	var env detailsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	decoded, err := DecodeDetails(env.Kind, env.Attributes)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

// Value implements driver.Valuer
func (d ItemDetails) Value() (driver.Value, error) {
	return d.MarshalJSON()
}

// Scan implements sql.Scanner
func (d *ItemDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		d.Details = nil
		return nil
	case []byte:
		return d.UnmarshalJSON(v)
	case string:
		return d.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into ItemDetails", src)
	}
}
