package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit the local state store",
	Long: `Read and write persisted state records directly. Keys follow <class>_<id>_<field>,
for example relay_2_state or pump_1_total_ml. Stop the controller first when using the
bolt driver, which allows a single process at a time.`,
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *storage.Database) error {
			value, err := db.Get(args[0], nil)
			if err != nil {
				return err
			}
			if value == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			return printJSON(value)
		})
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value; valid JSON is stored as JSON, anything else as a string",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value interface{}
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		return withStore(func(db *storage.Database) error {
			return db.Set(args[0], value)
		})
	},
}

var stateListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List records, optionally under a key prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return withStore(func(db *storage.Database) error {
			records, err := db.Records(prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Key, rec.Value, rec.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *storage.Database) error {
			return db.Delete(args[0])
		})
	},
}

func init() {
	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateListCmd, stateDeleteCmd)
	rootCmd.AddCommand(stateCmd)
}

func withStore(fn func(*storage.Database) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.New(&cfg.Store, log)
	if err != nil {
		return errors.Wrapf(err, "failed to open state store")
	}
	defer db.Close()
	return fn(db)
}
