/*
Package types defines the configuration records shared by every raidcfg package.

The database keeps five tables. Each row starts with a Header carrying the
persistence entry id, the entry state and the object id it belongs to:

	┌──────────── CONFIGURATION TABLES ─────────────┐
	│  object       one row per object id            │
	│  user         one row per user-facing object   │
	│  edge         up to 16 rows per object id      │
	│  global_info  one row per GlobalInfoType       │
	│  system_spare one row per system object        │
	└────────────────────────────────────────────────┘

# Object payloads

ObjectEntry.Config is a closed sum type. Each class has its own struct
(ProvisionDriveConfig, VirtualDriveConfig, RaidGroupConfig, LUNConfig,
ExtentPoolConfig, ExtentPoolLUNConfig) and JSON encoding tags the payload
with the class so it round-trips through storage and the peer link:

	switch cfg := entry.Config.(type) {
	case types.ProvisionDriveConfig:
		fmt.Println(cfg.SerialNumber)
	case types.RaidGroupConfig:
		fmt.Println(cfg.Width)
	}

# Entry states

Committed tables only hold Valid rows (plus Uncommitted global info during
initialization). Create, Modify and Destroy only appear in a transaction
working set. Corrupt is set by storage when a record fails its checksum and is
never cleared automatically.

# Errors

errors.go holds the error taxonomy. Every public failure wraps one of the
sentinel kinds so callers can use errors.Is:

	if errors.Is(err, types.ErrCollision) {
		// caller bug, do not retry
	}

ServiceModeReason mirrors the reason codes reported to operators when the
database drops into service mode.
*/
package types
