// Package bolog formats BO lifecycle events into the fixed-format activity
// log line emitted by a Device's create/park/evict/import/export
// operations. It is grounded on a fixed-format struct marshaling style
// (binary wire encoding of a uapi command)
// but produces human-readable text instead of wire bytes, since this is a
// diagnostic log rather than a kernel ABI.
package bolog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event describes one BO lifecycle transition worth logging.
type Event struct {
	DeviceID uuid.UUID
	Op       string // "create", "park", "evict", "import", "export"
	GPUAddr  uint64
	Size     uint64
	Label    string
	CPUAddr  uintptr
	Handle   int64
	FD       int
}

// Format renders e as a single line:
//
//	«timestamp» «op» «gpu_range» size «N» label «L» obj «addr,handle,fd»
func Format(e Event) string {
	label := e.Label
	if label == "" {
		label = "-"
	}
	return fmt.Sprintf(
		"%s %s gpu=[%#x,%#x) size %d label %s obj %#x,%d,%d dev=%s",
		time.Now().UTC().Format(time.RFC3339Nano),
		e.Op,
		e.GPUAddr, e.GPUAddr+e.Size,
		e.Size,
		label,
		e.CPUAddr, e.Handle, e.FD,
		e.DeviceID,
	)
}
