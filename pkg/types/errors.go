package types

import (
	"errors"
	"fmt"
)

// Error kinds returned by the configuration database
var (
	ErrAlreadyActive      = errors.New("transaction already active")
	ErrNotFound           = errors.New("not found")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrCollision          = errors.New("object id collision")
	ErrValidationFailed   = errors.New("validation failed")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrPeerTimeout        = errors.New("peer timeout")
	ErrCorrupt            = errors.New("corrupt record")
	ErrInvalidState       = errors.New("invalid state")
	ErrServiceMode        = errors.New("database in service mode")
)

// ServiceModeReason tells operators why the database refused to run normally
type ServiceModeReason int

const (
	ReasonNone ServiceModeReason = iota
	ReasonInternalObjects
	ReasonDrivesOrChassisMismatch
	ReasonChassisMismatched
	ReasonSystemDiskDisorder
	ReasonIntegrityBroken
	ReasonDoubleInvalidDriveWithDriveInUserSlot
	ReasonWWNSeedChaos
	ReasonSystemDBHeaderIOError
	ReasonSystemDBHeaderTooLarge
	ReasonSystemDBHeaderDataCorrupt
	ReasonInvalidMemoryConfig
	ReasonProblematicDatabaseVersion
	ReasonSmallSystemDrive
	ReasonNotAllDrivesSetICAFlags
	ReasonDBValidationFailed
	ReasonPersistenceFailure
)

var reasonNames = map[ServiceModeReason]string{
	ReasonNone:                                  "none",
	ReasonInternalObjects:                       "internal_objects",
	ReasonDrivesOrChassisMismatch:               "db_drives_or_chassis_mismatch",
	ReasonChassisMismatched:                     "chassis_mismatched",
	ReasonSystemDiskDisorder:                    "system_disk_disorder",
	ReasonIntegrityBroken:                       "integrity_broken",
	ReasonDoubleInvalidDriveWithDriveInUserSlot: "double_invalid_drive_with_drive_in_user_slot",
	ReasonWWNSeedChaos:                          "wwn_seed_chaos",
	ReasonSystemDBHeaderIOError:                 "system_db_header_io_error",
	ReasonSystemDBHeaderTooLarge:                "system_db_header_too_large",
	ReasonSystemDBHeaderDataCorrupt:             "system_db_header_data_corrupt",
	ReasonInvalidMemoryConfig:                   "invalid_memory_config",
	ReasonProblematicDatabaseVersion:            "problematic_database_version",
	ReasonSmallSystemDrive:                      "small_system_drive",
	ReasonNotAllDrivesSetICAFlags:               "not_all_drives_set_ica_flags",
	ReasonDBValidationFailed:                    "db_validation_failed",
	ReasonPersistenceFailure:                    "persistence_failure",
}

func (r ServiceModeReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// IsHardwareMismatch separates hardware placement problems from software corruption
func (r ServiceModeReason) IsHardwareMismatch() bool {
	switch r {
	case ReasonDrivesOrChassisMismatch, ReasonChassisMismatched, ReasonSystemDiskDisorder,
		ReasonIntegrityBroken, ReasonDoubleInvalidDriveWithDriveInUserSlot, ReasonSmallSystemDrive:
		return true
	}
	return false
}

// DBError carries an error kind together with the operation and object involved
type DBError struct {
	Kind     error
	Op       string
	ObjectID ObjectID
	Table    TableType
	Reason   ServiceModeReason
	Err      error
}

func (e *DBError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Table != TableInvalid {
		msg += " (" + e.Table.String() + " table"
		if e.ObjectID.Valid() {
			msg += ", object " + e.ObjectID.String()
		}
		msg += ")"
	} else if e.ObjectID.Valid() {
		msg += " (object " + e.ObjectID.String() + ")"
	}
	if e.Reason != ReasonNone {
		msg += " [" + e.Reason.String() + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind so errors.Is(err, ErrCollision) works
func (e *DBError) Is(target error) bool {
	return e.Kind == target
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// NewError builds a DBError for an object scoped failure
func NewError(kind error, op string, table TableType, id ObjectID, cause error) *DBError {
	return &DBError{Kind: kind, Op: op, Table: table, ObjectID: id, Err: cause}
}

// ReasonOf extracts the service mode reason from err, if any
func ReasonOf(err error) ServiceModeReason {
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		return dbErr.Reason
	}
	return ReasonNone
}

// Retryable reports whether err may succeed if the same operation is repeated.
// Only persistence failures qualify; validation errors are caller bugs.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}
