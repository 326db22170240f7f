/*
Package transaction implements the single system-wide transaction slot.

A transaction moves through:

	Inactive ──Start──▶ Active ──Begin──▶ Commit | Rollback ──Finish──▶ Inactive
	                      │
	                      └──Abort──▶ Inactive

While the slot is taken, Start waits with a bounded poll and then fails with
types.ErrAlreadyActive. Staging appends to the working set in call order and
enforces the per-Kind limits; nothing staged is visible to readers of the
table store until the database commit engine applies it.
*/
package transaction
