package model

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/corvidmail/provisiond/internal/bitmap"
)

// Delegation is a directed relation between two users: the delegatee acts on
// behalf of the delegator ("user"). It is created inactive and becomes
// Active only once folder sharing (IMAP and DAV) and mailbox identity
// provisioning have all succeeded.
//
// Deletion is driven by the email-address pair rather than foreign keys:
// by the time the cleanup job runs, the delegation row or either user row
// may already be gone.
type Delegation struct {
	ID          int64 `gorm:"primaryKey"`
	UserID      int64 `gorm:"index:idx_delegation_pair,unique"`
	DelegateeID int64 `gorm:"index:idx_delegation_pair,unique"`
	Status      bitmap.Mask
	RawOptions  string `gorm:"column:options;type:text"` // serialized DelegationOptions
	CreatedAt   int64  `gorm:"autoCreateTime"`
	UpdatedAt   int64  `gorm:"autoUpdateTime"`
}

// DelegationStatusAllowed is the set of bits a delegation may carry.
const DelegationStatusAllowed = bitmap.Mask(bitmap.Active)

func (d *Delegation) IsActive() bool { return d.Status.Has(bitmap.Active) }

// DelegationOptions are the per-delegation feature toggles: which of the
// delegator's folder classes the delegatee gains access to.
type DelegationOptions struct {
	Mail    bool `mapstructure:"mail"`
	Event   bool `mapstructure:"event"`
	Task    bool `mapstructure:"task"`
	Contact bool `mapstructure:"contact"`
}

// Options decodes the serialized options column. Unknown keys are ignored so
// that options written by a newer control panel do not break older workers.
func (d *Delegation) Options() (DelegationOptions, error) {
	var opts DelegationOptions
	if d.RawOptions == "" {
		return opts, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(d.RawOptions), &raw); err != nil {
		return opts, fmt.Errorf("delegation %d: decode options: %w", d.ID, err)
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return opts, fmt.Errorf("delegation %d: decode options: %w", d.ID, err)
	}
	return opts, nil
}

// SetOptions serializes opts into the options column.
func (d *Delegation) SetOptions(opts DelegationOptions) error {
	raw, err := json.Marshal(map[string]bool{
		"mail":    opts.Mail,
		"event":   opts.Event,
		"task":    opts.Task,
		"contact": opts.Contact,
	})
	if err != nil {
		return err
	}
	d.RawOptions = string(raw)
	return nil
}
