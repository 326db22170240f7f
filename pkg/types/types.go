package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObjectID is the stable handle of a storage object
type ObjectID uint32

// InvalidObjectID means "no object"
const InvalidObjectID ObjectID = 0xFFFFFFFF

// Valid reports whether id is not the sentinel
func (id ObjectID) Valid() bool {
	return id != InvalidObjectID
}

func (id ObjectID) String() string {
	if id == InvalidObjectID {
		return "invalid"
	}
	return fmt.Sprintf("0x%x", uint32(id))
}

// Limits carried over from the array firmware
const (
	MaxCreateObjectsPerJob = 25
	MaxEdgesPerObject      = 16

	MaxRaidGroupCreateUserEntries   = 9
	MaxRaidGroupCreateObjectEntries = MaxCreateObjectsPerJob + 16 + 16
	MaxRaidGroupCreateEdgeEntries   = 40

	MaxPoolEntries = 50

	MaxTransactionGlobalInfo = 1
)

// TableType identifies one of the configuration tables
type TableType int

const (
	TableInvalid TableType = iota
	TableObject
	TableUser
	TableEdge
	TableGlobalInfo
	TableSystemSpare
)

// LockOrder lists tables in the order their locks must be taken
var LockOrder = []TableType{TableObject, TableUser, TableEdge, TableGlobalInfo, TableSystemSpare}

func (t TableType) String() string {
	switch t {
	case TableObject:
		return "object"
	case TableUser:
		return "user"
	case TableEdge:
		return "edge"
	case TableGlobalInfo:
		return "global_info"
	case TableSystemSpare:
		return "system_spare"
	default:
		return "invalid"
	}
}

// EntryState is the state carried in every record header
type EntryState int

const (
	EntryInvalid EntryState = iota
	EntryValid
	EntryCreate
	EntryDestroy
	EntryModify
	EntryCorrupt
	EntryUncommitted
)

func (s EntryState) String() string {
	switch s {
	case EntryValid:
		return "valid"
	case EntryCreate:
		return "create"
	case EntryDestroy:
		return "destroy"
	case EntryModify:
		return "modify"
	case EntryCorrupt:
		return "corrupt"
	case EntryUncommitted:
		return "uncommitted"
	default:
		return "invalid"
	}
}

// IsStagingOp reports whether s may appear in a transaction working set
func (s EntryState) IsStagingOp() bool {
	return s == EntryCreate || s == EntryDestroy || s == EntryModify
}

// CanTransition reports whether a committed record may move from s to next.
// Staged operations resolve to Valid (create, modify) or Invalid (destroy).
func (s EntryState) CanTransition(next EntryState) bool {
	switch s {
	case EntryInvalid:
		return next == EntryCreate || next == EntryUncommitted || next == EntryCorrupt
	case EntryUncommitted:
		return next == EntryValid || next == EntryModify || next == EntryInvalid
	case EntryCreate, EntryModify:
		return next == EntryValid || next == EntryInvalid
	case EntryValid:
		return next == EntryModify || next == EntryDestroy || next == EntryCorrupt
	case EntryDestroy:
		return next == EntryInvalid
	case EntryCorrupt:
		return false
	}
	return false
}

// VersionHeader records the size of the committed structure for versioning
type VersionHeader struct {
	Size     uint32 `json:"size"`
	Revision uint32 `json:"revision"`
}

// Header is embedded in every table record
type Header struct {
	EntryID  uint64        `json:"entry_id"`
	State    EntryState    `json:"state"`
	ObjectID ObjectID      `json:"object_id"`
	Version  VersionHeader `json:"version"`
}

// ClassID selects the per-class configuration payload
type ClassID int

const (
	ClassInvalid ClassID = iota
	ClassBVDInterface
	ClassLUN
	ClassMirror
	ClassStriper
	ClassParity
	ClassVirtualDrive
	ClassProvisionDrive
	ClassExtentPool
	ClassExtentPoolLUN
	ClassExtentPoolMetadataLUN
)

// IsRaid reports whether c is a raid group class
func (c ClassID) IsRaid() bool {
	return c == ClassMirror || c == ClassStriper || c == ClassParity
}

// IsLUN reports whether c is one of the LUN classes
func (c ClassID) IsLUN() bool {
	return c == ClassLUN || c == ClassExtentPoolLUN || c == ClassExtentPoolMetadataLUN
}

func (c ClassID) String() string {
	switch c {
	case ClassBVDInterface:
		return "bvd_interface"
	case ClassLUN:
		return "lun"
	case ClassMirror:
		return "mirror"
	case ClassStriper:
		return "striper"
	case ClassParity:
		return "parity"
	case ClassVirtualDrive:
		return "virtual_drive"
	case ClassProvisionDrive:
		return "provision_drive"
	case ClassExtentPool:
		return "extent_pool"
	case ClassExtentPoolLUN:
		return "extent_pool_lun"
	case ClassExtentPoolMetadataLUN:
		return "extent_pool_metadata_lun"
	default:
		return "invalid"
	}
}

// ParseClassID is the inverse of ClassID.String
func ParseClassID(s string) (ClassID, error) {
	for c := ClassBVDInterface; c <= ClassExtentPoolMetadataLUN; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return ClassInvalid, fmt.Errorf("unknown class %q", s)
}

// ObjectConfig is the class-specific payload of an object entry.
// The set of implementations is closed; see the *Config types below.
type ObjectConfig interface {
	ClassID() ClassID
	isObjectConfig()
}

// ProvisionDriveConfig configures a provision drive
type ProvisionDriveConfig struct {
	ConfigType     string `json:"config_type"`
	Capacity       uint64 `json:"capacity"`
	SerialNumber   string `json:"serial_number"`
	SniffVerify    bool   `json:"sniff_verify"`
	PoolID         uint32 `json:"pool_id"`
	EncryptionMode string `json:"encryption_mode,omitempty"`
	OpaqueData     []byte `json:"opaque_data,omitempty"`
}

// VirtualDriveConfig configures a virtual drive
type VirtualDriveConfig struct {
	Capacity       uint64 `json:"capacity"`
	ConfigMode     string `json:"config_mode"`
	WidthBlocks    uint32 `json:"width_blocks"`
	UpdateDisabled bool   `json:"update_disabled,omitempty"`
}

// RaidGroupConfig configures a mirror, striper or parity group
type RaidGroupConfig struct {
	Class           ClassID `json:"class"`
	Width           uint32  `json:"width"`
	Capacity        uint64  `json:"capacity"`
	ElementSize     uint32  `json:"element_size"`
	ElementsPerUnit uint32  `json:"elements_per_parity"`
	RaidType        string  `json:"raid_type"`
	DebugFlags      uint32  `json:"debug_flags,omitempty"`
	PowerSaveIdle   uint64  `json:"power_save_idle,omitempty"`
}

// LUNConfig configures a LUN
type LUNConfig struct {
	Capacity        uint64 `json:"capacity"`
	OverallCapacity uint64 `json:"overall_capacity"`
	Offset          uint64 `json:"offset"`
	Attributes      uint32 `json:"attributes"`
	GenerationNum   uint64 `json:"generation"`
}

// ExtentPoolConfig configures a mapped-raid extent pool
type ExtentPoolConfig struct {
	PoolID     uint32 `json:"pool_id"`
	DriveCount uint32 `json:"drive_count"`
}

// ExtentPoolLUNConfig configures a LUN carved from an extent pool
type ExtentPoolLUNConfig struct {
	Class    ClassID `json:"class"`
	PoolID   uint32  `json:"pool_id"`
	LUNIndex uint32  `json:"lun_index"`
	Capacity uint64  `json:"capacity"`
	Offset   uint64  `json:"offset"`
}

func (ProvisionDriveConfig) ClassID() ClassID { return ClassProvisionDrive }
func (VirtualDriveConfig) ClassID() ClassID   { return ClassVirtualDrive }
func (c RaidGroupConfig) ClassID() ClassID    { return c.Class }
func (LUNConfig) ClassID() ClassID            { return ClassLUN }
func (ExtentPoolConfig) ClassID() ClassID     { return ClassExtentPool }
func (c ExtentPoolLUNConfig) ClassID() ClassID {
	if c.Class == ClassExtentPoolMetadataLUN {
		return ClassExtentPoolMetadataLUN
	}
	return ClassExtentPoolLUN
}

func (ProvisionDriveConfig) isObjectConfig() {}
func (VirtualDriveConfig) isObjectConfig()   {}
func (RaidGroupConfig) isObjectConfig()      {}
func (LUNConfig) isObjectConfig()            {}
func (ExtentPoolConfig) isObjectConfig()     {}
func (ExtentPoolLUNConfig) isObjectConfig()  {}

// newConfig returns an empty payload for class c
func newConfig(c ClassID) (ObjectConfig, error) {
	switch {
	case c == ClassProvisionDrive:
		return &ProvisionDriveConfig{}, nil
	case c == ClassVirtualDrive:
		return &VirtualDriveConfig{}, nil
	case c.IsRaid():
		return &RaidGroupConfig{Class: c}, nil
	case c == ClassLUN:
		return &LUNConfig{}, nil
	case c == ClassExtentPool:
		return &ExtentPoolConfig{}, nil
	case c == ClassExtentPoolLUN, c == ClassExtentPoolMetadataLUN:
		return &ExtentPoolLUNConfig{Class: c}, nil
	case c == ClassBVDInterface:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: no payload for class %s", ErrValidationFailed, c)
}

// deref turns the pointer produced by newConfig back into a value
func deref(cfg ObjectConfig) ObjectConfig {
	switch v := cfg.(type) {
	case *ProvisionDriveConfig:
		return *v
	case *VirtualDriveConfig:
		return *v
	case *RaidGroupConfig:
		return *v
	case *LUNConfig:
		return *v
	case *ExtentPoolConfig:
		return *v
	case *ExtentPoolLUNConfig:
		return *v
	}
	return cfg
}

// ObjectEntry is one row of the object table
type ObjectEntry struct {
	Header Header
	Class  ClassID
	Config ObjectConfig
}

type objectEntryJSON struct {
	Header Header          `json:"header"`
	Class  ClassID         `json:"class"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the payload tagged by its class
func (e ObjectEntry) MarshalJSON() ([]byte, error) {
	out := objectEntryJSON{Header: e.Header, Class: e.Class}
	if e.Config != nil {
		data, err := json.Marshal(e.Config)
		if err != nil {
			return nil, err
		}
		out.Config = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload selected by the class tag
func (e *ObjectEntry) UnmarshalJSON(data []byte) error {
	var in objectEntryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Header = in.Header
	e.Class = in.Class
	e.Config = nil
	if len(in.Config) == 0 || string(in.Config) == "null" {
		return nil
	}
	cfg, err := newConfig(in.Class)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}
	if err := json.Unmarshal(in.Config, cfg); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", in.Class, err)
	}
	e.Config = deref(cfg)
	return nil
}

// Validate checks that the payload matches the class
func (e *ObjectEntry) Validate() error {
	if !e.Header.ObjectID.Valid() {
		return fmt.Errorf("%w: object entry without object id", ErrValidationFailed)
	}
	if e.Class == ClassInvalid {
		return fmt.Errorf("%w: object %s has no class", ErrValidationFailed, e.Header.ObjectID)
	}
	if e.Config != nil && e.Config.ClassID() != e.Class {
		return fmt.Errorf("%w: object %s class %s carries %s config",
			ErrValidationFailed, e.Header.ObjectID, e.Class, e.Config.ClassID())
	}
	return nil
}

// InvalidNumber marks a user entry without a user-assigned number
const InvalidNumber uint32 = 0xFFFFFFFF

// UserEntry holds user visible metadata for an object
type UserEntry struct {
	Header   Header    `json:"header"`
	Class    ClassID   `json:"class"`
	Number   uint32    `json:"number"`
	WWN      string    `json:"wwn,omitempty"`
	Name     string    `json:"name,omitempty"`
	BindTime time.Time `json:"bind_time"`
	Private  bool      `json:"private"`
}

// EdgeEntry connects a client object to the extent exported by a server object
type EdgeEntry struct {
	Header      Header   `json:"header"`
	ServerID    ObjectID `json:"server_id"`
	ClientIndex uint32   `json:"client_index"`
	Capacity    uint64   `json:"capacity"`
	Offset      uint64   `json:"offset"`
	Flags       uint32   `json:"flags"`
}

// GlobalInfoType keys the global info table
type GlobalInfoType int

const (
	GlobalInfoInvalid GlobalInfoType = iota
	GlobalInfoPowerSave
	GlobalInfoSpare
	GlobalInfoGeneration
	GlobalInfoTimeThreshold
	GlobalInfoEncryption
	GlobalInfoPVDConfig
)

// GlobalInfoTypes lists every singleton created at initialization
var GlobalInfoTypes = []GlobalInfoType{
	GlobalInfoPowerSave,
	GlobalInfoSpare,
	GlobalInfoGeneration,
	GlobalInfoTimeThreshold,
	GlobalInfoEncryption,
	GlobalInfoPVDConfig,
}

func (t GlobalInfoType) String() string {
	switch t {
	case GlobalInfoPowerSave:
		return "power_save"
	case GlobalInfoSpare:
		return "spare"
	case GlobalInfoGeneration:
		return "generation"
	case GlobalInfoTimeThreshold:
		return "time_threshold"
	case GlobalInfoEncryption:
		return "encryption"
	case GlobalInfoPVDConfig:
		return "pvd_config"
	default:
		return "invalid"
	}
}

// PowerSaveInfo is the system power saving policy
type PowerSaveInfo struct {
	Enabled        bool   `json:"enabled"`
	HibernateAfter uint64 `json:"hibernate_after_seconds"`
	StatsEnabled   bool   `json:"stats_enabled"`
}

// SpareInfo is the system spare policy
type SpareInfo struct {
	PermanentSpareTrigger uint64 `json:"permanent_spare_trigger_seconds"`
}

// GenerationInfo holds the configuration generation counter
type GenerationInfo struct {
	Current uint64 `json:"current"`
}

// TimeThresholdInfo is the drive removal time threshold
type TimeThresholdInfo struct {
	Minutes uint64 `json:"minutes"`
}

// EncryptionMode is the system encryption state
type EncryptionMode string

const (
	EncryptionUnknown     EncryptionMode = "unknown"
	EncryptionUnencrypted EncryptionMode = "unencrypted"
	EncryptionEncrypted   EncryptionMode = "encrypted"
)

// EncryptionInfo is the system encryption setting
type EncryptionInfo struct {
	Mode  EncryptionMode `json:"mode"`
	Flags uint32         `json:"flags"`
}

// PVDConfigInfo is the global provision drive configuration
type PVDConfigInfo struct {
	UserCapacityLimit uint32 `json:"user_capacity_limit"`
}

// GlobalInfoEntry is one system-wide singleton. Only the field matching Type is meaningful.
type GlobalInfoEntry struct {
	Header        Header             `json:"header"`
	Type          GlobalInfoType     `json:"type"`
	PowerSave     *PowerSaveInfo     `json:"power_save,omitempty"`
	Spare         *SpareInfo         `json:"spare,omitempty"`
	Generation    *GenerationInfo    `json:"generation,omitempty"`
	TimeThreshold *TimeThresholdInfo `json:"time_threshold,omitempty"`
	Encryption    *EncryptionInfo    `json:"encryption,omitempty"`
	PVDConfig     *PVDConfigInfo     `json:"pvd_config,omitempty"`
}

// DefaultGlobalInfo returns the initial value of a singleton
func DefaultGlobalInfo(t GlobalInfoType) GlobalInfoEntry {
	e := GlobalInfoEntry{
		Header: Header{State: EntryValid, ObjectID: InvalidObjectID},
		Type:   t,
	}
	switch t {
	case GlobalInfoPowerSave:
		e.PowerSave = &PowerSaveInfo{HibernateAfter: 1800}
	case GlobalInfoSpare:
		e.Spare = &SpareInfo{PermanentSpareTrigger: 300}
	case GlobalInfoGeneration:
		e.Generation = &GenerationInfo{}
	case GlobalInfoTimeThreshold:
		e.TimeThreshold = &TimeThresholdInfo{Minutes: 1440}
	case GlobalInfoEncryption:
		e.Encryption = &EncryptionInfo{Mode: EncryptionUnencrypted}
	case GlobalInfoPVDConfig:
		e.PVDConfig = &PVDConfigInfo{}
	}
	return e
}

// Validate checks that exactly the payload for Type is present
func (e *GlobalInfoEntry) Validate() error {
	var ok bool
	switch e.Type {
	case GlobalInfoPowerSave:
		ok = e.PowerSave != nil
	case GlobalInfoSpare:
		ok = e.Spare != nil
	case GlobalInfoGeneration:
		ok = e.Generation != nil
	case GlobalInfoTimeThreshold:
		ok = e.TimeThreshold != nil
	case GlobalInfoEncryption:
		ok = e.Encryption != nil
	case GlobalInfoPVDConfig:
		ok = e.PVDConfig != nil
	}
	if !ok {
		return fmt.Errorf("%w: global info %s without payload", ErrValidationFailed, e.Type)
	}
	return nil
}

// SystemSpareEntry records a spare drive reserved for a system object
type SystemSpareEntry struct {
	Header       Header   `json:"header"`
	SpareDriveID ObjectID `json:"spare_drive_id"`
}

// DatabaseState is the global state flag of the database
type DatabaseState string

const (
	StateInvalid          DatabaseState = "invalid"
	StateInitializing     DatabaseState = "initializing"
	StateInitialized      DatabaseState = "initialized"
	StateReady            DatabaseState = "ready"
	StateFailed           DatabaseState = "failed"
	StateUpdatingPeer     DatabaseState = "updating_peer"
	StateWaitingForConfig DatabaseState = "waiting_for_config"
	StateDegraded         DatabaseState = "degraded"
	StateDestroying       DatabaseState = "destroying"
	StateServiceMode      DatabaseState = "service_mode"
	StateCorrupt          DatabaseState = "corrupt"
)

// AcceptsTransactions reports whether configuration changes may start in s
func (s DatabaseState) AcceptsTransactions() bool {
	return s == StateReady
}

// TransactionType is the kind of a transaction
type TransactionType int

const (
	TransactionCreate TransactionType = iota
	TransactionRecovery
)

func (t TransactionType) String() string {
	if t == TransactionRecovery {
		return "recovery"
	}
	return "create"
}

// TransactionState is the state of the single transaction slot
type TransactionState int

const (
	TransactionInactive TransactionState = iota
	TransactionActive
	TransactionCommit
	TransactionRollback
)

func (s TransactionState) String() string {
	switch s {
	case TransactionActive:
		return "active"
	case TransactionCommit:
		return "commit"
	case TransactionRollback:
		return "rollback"
	default:
		return "inactive"
	}
}

// TransactionID identifies a transaction
type TransactionID uint64

// InvalidTransactionID is never handed out
const InvalidTransactionID TransactionID = 0
