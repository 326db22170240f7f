package database

import (
	"fmt"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
)

type policyFunc struct {
	name string
	fn   func(View, tables.Change) error
}

func (p policyFunc) Name() string                        { return p.name }
func (p policyFunc) Check(v View, c tables.Change) error { return p.fn(v, c) }

// NewPolicy wraps fn as a Policy
func NewPolicy(name string, fn func(View, tables.Change) error) Policy {
	return policyFunc{name: name, fn: fn}
}

// SystemObjects reports object ids below first as pre-provisioned system objects
func SystemObjects(first types.ObjectID) func(types.ObjectID) bool {
	return func(id types.ObjectID) bool { return id < first }
}

// SpareDrivePolicy requires a system spare to name a provision drive that no
// edge consumes yet. Drives for which IsSystem returns true are exempt from
// the consumption rule.
type SpareDrivePolicy struct {
	IsSystem func(types.ObjectID) bool
}

func (SpareDrivePolicy) Name() string { return "spare_drive" }

func (p SpareDrivePolicy) Check(v View, c tables.Change) error {
	if c.Entry.Table != types.TableSystemSpare || c.Op == types.EntryDestroy {
		return nil
	}
	id := c.Entry.Spare.SpareDriveID
	o, ok := v.Object(id)
	if !ok {
		return fmt.Errorf("spare drive %s does not exist", id)
	}
	if o.Class != types.ClassProvisionDrive {
		return fmt.Errorf("spare drive %s is a %s", id, o.Class)
	}
	if p.IsSystem != nil && p.IsSystem(id) {
		return nil
	}
	if v.ServerRefs(id) > 0 {
		return fmt.Errorf("spare drive %s is already consumed", id)
	}
	return nil
}

// EdgeCapacityPolicy rejects edges that ask for more capacity than a
// provision drive server offers
type EdgeCapacityPolicy struct{}

func (EdgeCapacityPolicy) Name() string { return "edge_capacity" }

func (EdgeCapacityPolicy) Check(v View, c tables.Change) error {
	if c.Entry.Table != types.TableEdge || c.Op == types.EntryDestroy {
		return nil
	}
	e := c.Entry.Edge
	server, ok := v.Object(e.ServerID)
	if !ok {
		return nil
	}
	pvd, ok := server.Config.(types.ProvisionDriveConfig)
	if !ok || pvd.Capacity == 0 {
		return nil
	}
	if e.Offset > pvd.Capacity || e.Capacity > pvd.Capacity-e.Offset {
		return fmt.Errorf("edge %d of %s exceeds drive %s capacity", e.ClientIndex, e.Header.ObjectID, e.ServerID)
	}
	return nil
}
