package device

import "time"

// Defaults applied to devices created by auto-provisioning.
const (
	DefaultType     = "node"
	DefaultLocation = "IoT Lab"
)

// Device is a field device known to the service.
//
// ID is assigned by the store and never changes. ExternalID is the
// identifier the device reports on the bus and is unique across devices.
type Device struct {
	ID          int64      `json:"id"`
	ExternalID  string     `json:"device_id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Location    string     `json:"location"`
	NetworkName string     `json:"network_name"`
	Address     string     `json:"address"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Identity is the metadata a device announces about itself.
type Identity struct {
	ExternalID  string
	Name        string
	NetworkName string
	Address     string
}

// DeepCopy returns an independent copy of d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.UpdatedAt != nil {
		t := *d.UpdatedAt
		cp.UpdatedAt = &t
	}
	return &cp
}

// Page is one window of a paged listing.
type Page struct {
	Items      []Device `json:"items"`
	Page       int      `json:"page"`
	Size       int      `json:"size"`
	TotalItems int      `json:"total_items"`
	TotalPages int      `json:"total_pages"`
}
