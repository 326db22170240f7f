package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/raidcfg/pkg/controller"
	"github.com/cuemby/raidcfg/pkg/database"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/transaction"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Commit a transaction from a YAML file",
	Long: `Stage and commit one transaction described in a YAML file against the
database in the data directory. The controller must not be running.

Example file:

  type: create
  kind: job
  changes:
    - op: create
      object: {id: 20, class: provision_drive, config: {capacity: 1073741824}}
    - op: create
      object: {id: 30, class: lun, config: {capacity: 1048576}}
    - op: create
      edge: {client: 30, index: 0, server: 20, capacity: 1048576}
    - op: create
      user: {id: 30, class: lun, number: 0, name: boot}`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// TxnFile is the YAML form of one transaction
type TxnFile struct {
	Type    string       `yaml:"type"`
	Kind    string       `yaml:"kind"`
	Job     uint64       `yaml:"job"`
	Changes []ChangeSpec `yaml:"changes"`
}

// ChangeSpec stages one row; exactly one of the row fields is set
type ChangeSpec struct {
	Op     string      `yaml:"op"`
	Object *ObjectSpec `yaml:"object,omitempty"`
	User   *UserSpec   `yaml:"user,omitempty"`
	Edge   *EdgeSpec   `yaml:"edge,omitempty"`
	Spare  *SpareSpec  `yaml:"spare,omitempty"`
}

type ObjectSpec struct {
	ID     uint32                 `yaml:"id"`
	Class  string                 `yaml:"class"`
	Config map[string]interface{} `yaml:"config,omitempty"`
}

type UserSpec struct {
	ID      uint32 `yaml:"id"`
	Class   string `yaml:"class"`
	Number  uint32 `yaml:"number"`
	WWN     string `yaml:"wwn,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Private bool   `yaml:"private,omitempty"`
}

type EdgeSpec struct {
	Client   uint32 `yaml:"client"`
	Index    uint32 `yaml:"index"`
	Server   uint32 `yaml:"server"`
	Capacity uint64 `yaml:"capacity"`
	Offset   uint64 `yaml:"offset"`
	Flags    uint32 `yaml:"flags,omitempty"`
}

type SpareSpec struct {
	ID    uint32 `yaml:"id"`
	Drive uint32 `yaml:"drive"`
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	txn, err := parseTxnFile(data)
	if err != nil {
		return err
	}

	// Offline: no peer link and no metrics endpoint
	cfg.Peer.PeerAddr = ""
	cfg.MetricsAddr = ""
	ctrl, err := controller.New(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	if err := applyTxn(context.Background(), ctrl.Database(), txn); err != nil {
		return err
	}
	fmt.Printf("✓ Committed %d changes (generation %d)\n", len(txn.changes), ctrl.Database().Generation())
	return nil
}

type parsedTxn struct {
	typ     types.TransactionType
	kind    transaction.Kind
	job     uint64
	changes []tables.Change
}

func parseTxnFile(data []byte) (*parsedTxn, error) {
	var f TxnFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := &parsedTxn{typ: types.TransactionCreate, kind: transaction.KindJob, job: f.Job}
	switch f.Type {
	case "", "create":
	case "recovery":
		out.typ = types.TransactionRecovery
	default:
		return nil, fmt.Errorf("unknown transaction type %q", f.Type)
	}
	if f.Kind != "" {
		kind, err := transaction.ParseKind(f.Kind)
		if err != nil {
			return nil, err
		}
		out.kind = kind
	}
	if len(f.Changes) == 0 {
		return nil, fmt.Errorf("transaction has no changes")
	}

	for i, c := range f.Changes {
		change, err := c.toChange()
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		out.changes = append(out.changes, change)
	}
	return out, nil
}

func (c ChangeSpec) toChange() (tables.Change, error) {
	var op types.EntryState
	switch c.Op {
	case "create":
		op = types.EntryCreate
	case "modify":
		op = types.EntryModify
	case "destroy":
		op = types.EntryDestroy
	default:
		return tables.Change{}, fmt.Errorf("unknown op %q", c.Op)
	}

	var (
		entry tables.Entry
		set   int
	)
	if c.Object != nil {
		set++
		o, err := c.Object.toEntry()
		if err != nil {
			return tables.Change{}, err
		}
		entry = tables.ObjectEntry(o)
	}
	if c.User != nil {
		set++
		class, err := types.ParseClassID(c.User.Class)
		if err != nil {
			return tables.Change{}, err
		}
		entry = tables.UserEntry(types.UserEntry{
			Header:  types.Header{ObjectID: types.ObjectID(c.User.ID)},
			Class:   class,
			Number:  c.User.Number,
			WWN:     c.User.WWN,
			Name:    c.User.Name,
			Private: c.User.Private,
		})
	}
	if c.Edge != nil {
		set++
		entry = tables.EdgeEntry(types.EdgeEntry{
			Header:      types.Header{ObjectID: types.ObjectID(c.Edge.Client)},
			ServerID:    types.ObjectID(c.Edge.Server),
			ClientIndex: c.Edge.Index,
			Capacity:    c.Edge.Capacity,
			Offset:      c.Edge.Offset,
			Flags:       c.Edge.Flags,
		})
	}
	if c.Spare != nil {
		set++
		entry = tables.SpareEntry(types.SystemSpareEntry{
			Header:       types.Header{ObjectID: types.ObjectID(c.Spare.ID)},
			SpareDriveID: types.ObjectID(c.Spare.Drive),
		})
	}
	if set != 1 {
		return tables.Change{}, fmt.Errorf("exactly one of object, user, edge or spare must be set")
	}
	return tables.Change{Op: op, Entry: entry}, nil
}

// toEntry decodes the class specific config through its JSON form
func (o ObjectSpec) toEntry() (types.ObjectEntry, error) {
	class, err := types.ParseClassID(o.Class)
	if err != nil {
		return types.ObjectEntry{}, err
	}
	doc := map[string]interface{}{
		"header": map[string]interface{}{"object_id": o.ID},
		"class":  int(class),
	}
	if o.Config != nil {
		doc["config"] = o.Config
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return types.ObjectEntry{}, err
	}
	var entry types.ObjectEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.ObjectEntry{}, err
	}
	return entry, nil
}

func applyTxn(ctx context.Context, db *database.Database, txn *parsedTxn) error {
	id, err := db.Start(ctx, txn.typ, txn.kind, txn.job)
	if err != nil {
		return err
	}
	for _, c := range txn.changes {
		if err := db.Stage(id, c.Op, c.Entry); err != nil {
			_ = db.Abort(id)
			return err
		}
	}
	return db.Commit(ctx, id)
}
