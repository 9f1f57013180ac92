package model

import "time"

// StorageBox is a grid box inside a freezer rack.  Provisioning a box
// creates one StorageSlot per row/column cell.
//
// Fields:
//
//	ID        – primary key identifier.
//	Freezer   – freezer label (e.g. "Freezer1").
//	Rack      – rack label within the freezer.
//	Label     – box label within the rack, unique per freezer and rack.
//	Rows      – number of grid rows.
//	Cols      – number of grid columns.
//	CreatedAt – provisioning timestamp.
type StorageBox struct {
	ID        uint64    `json:"id"`         // storage_boxes.id
	Freezer   string    `json:"freezer"`    // storage_boxes.freezer
	Rack      string    `json:"rack"`       // storage_boxes.rack
	Label     string    `json:"label"`      // storage_boxes.label
	Rows      uint32    `json:"rows"`       // storage_boxes.rows_count
	Cols      uint32    `json:"cols"`       // storage_boxes.cols_count
	CreatedAt time.Time `json:"created_at"` // storage_boxes.created_at
}
