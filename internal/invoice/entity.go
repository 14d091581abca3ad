package invoice

import "time"

// EntityKind distinguishes issuing companies from billed customers.
type EntityKind string

const (
	EntityCompany  EntityKind = "company"
	EntityCustomer EntityKind = "customer"
)

// Entity is the canonical tenant-scoped record of a company or customer.
type Entity struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Kind          EntityKind `json:"kind"`
	Name          string     `json:"name"`
	CanonicalName string     `json:"canonical_name"`
	TaxID         string     `json:"tax_id,omitempty"`  // normalized
	Email         string     `json:"email,omitempty"`   // normalized
	Phone         string     `json:"phone,omitempty"`   // digits only
	Website       string     `json:"website,omitempty"` // bare host
	Address       string     `json:"address,omitempty"`
	Aliases       []string   `json:"aliases,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Key is the entity's unique identity within its tenant and kind: the
// canonical name, qualified by the tax ID when one is known.
func (e *Entity) Key() string {
	if e.TaxID == "" {
		return e.CanonicalName
	}
	return e.CanonicalName + "|" + e.TaxID
}

// HasAlias reports whether name is already a known spelling of the entity.
func (e *Entity) HasAlias(name string) bool {
	if e.Name == name {
		return true
	}
	for _, a := range e.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Party is the company or customer data extracted from a document.
type Party struct {
	Kind    EntityKind `json:"kind"`
	Name    string     `json:"name,omitempty"`
	TaxID   string     `json:"tax_id,omitempty"`
	Email   string     `json:"email,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	Website string     `json:"website,omitempty"`
	Address string     `json:"address,omitempty"`
}

// Empty reports whether the party carries nothing to resolve.
func (p Party) Empty() bool {
	return p.Name == "" && p.TaxID == ""
}
