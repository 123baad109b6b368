// Command pimctl is a single-instance operator CLI for a pimengine
// resource instance: create/modify/delete entities, run one-shot or
// live queries, and print instance stats. Adapted from the teacher's
// cmd/warren: same spf13/cobra root-command/subcommand-per-noun layout
// and persistent --log-level/--log-json flags, but pointed at a local
// instance directory instead of a manager address, since there is no
// cluster here to dial.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuemby/pimengine/pkg/config"
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/log"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/query"
	"github.com/cuemby/pimengine/pkg/resource"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pimctl",
	Short:   "Operate a pimengine resource instance",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pimctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("storage-root", defaultStorageRoot(), "Directory containing resource instances")
	rootCmd.PersistentFlags().String("instance", "default", "Resource instance identifier")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(modifyCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pimengine"
	}
	return home + "/.pimengine"
}

func loadConfig(cmd *cobra.Command) config.StoreConfig {
	storageRoot, _ := cmd.Flags().GetString("storage-root")
	instance, _ := cmd.Flags().GetString("instance")
	cfg, err := config.Load(storageRoot, instance)
	if err != nil {
		cfg = config.StoreConfig{
			StorageRoot:        storageRoot,
			InstanceID:         instance,
			MapSizeBytes:       config.DefaultMapSizeBytes,
			RetentionRevisions: config.DefaultRetentionRevisions,
		}
	}
	return cfg
}

// genericProperty extracts a top-level scalar field named name from a
// JSON payload, for ad-hoc filtering/indexing when pimctl has no
// compiled-in schema for the entity type it is handed on the command
// line.
func genericProperty(payload []byte, name string) (string, bool) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	v, ok := doc[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64, bool:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

func genericExtractor(property string) domain.IndexDefinition {
	return domain.IndexDefinition{
		Property: property,
		Extractor: func(payload []byte) ([][]byte, bool) {
			v, ok := genericProperty(payload, property)
			if !ok {
				return nil, false
			}
			return [][]byte{[]byte(v)}, true
		},
	}
}

// openInstance wires one TypeRegistration for entityType with
// generically-derived index definitions for indexProperties, since
// pimctl has no compiled-in resource schema.
func openInstance(cmd *cobra.Command, entityType domain.TypeTag, indexProperties []string) (*resource.Instance, error) {
	cfg := loadConfig(cmd)

	defs := make([]domain.IndexDefinition, 0, len(indexProperties))
	for _, p := range indexProperties {
		defs = append(defs, genericExtractor(p))
	}

	reg := resource.TypeRegistration{
		EntityType:       entityType,
		IndexDefinitions: defs,
		QueryDescriptor: query.TypeDescriptor{
			EntityType: entityType,
			Property:   genericProperty,
		},
	}

	inst, err := resource.NewInstance(cfg, []resource.TypeRegistration{reg})
	if err != nil {
		return nil, err
	}
	inst.Pipeline.Start()
	return inst, nil
}

func readPayload(cmd *cobra.Command) ([]byte, error) {
	path, _ := cmd.Flags().GetString("payload")
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func parseUID(s string) (domain.UID, error) {
	if s == "" {
		id := uuid.New()
		return domain.UID(id[:]), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return domain.UID([]byte(s)), nil
	}
	return domain.UID(id[:]), nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a resource instance's configuration and storage directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)

		mapSize, _ := cmd.Flags().GetInt64("map-size")
		retention, _ := cmd.Flags().GetInt("retention")
		if mapSize > 0 {
			cfg.MapSizeBytes = mapSize
		}
		if retention > 0 {
			cfg.RetentionRevisions = retention
		}

		if err := config.Save(cfg); err != nil {
			return err
		}

		st, err := store.Open(cfg.MainStorePath(), store.ReadWrite)
		if err != nil {
			return fmt.Errorf("opening main store: %w", err)
		}
		if err := st.Close(); err != nil {
			return err
		}

		fmt.Printf("Initialized instance %q at %s\n", cfg.InstanceID, cfg.InstanceDir())
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create TYPE [UID]",
	Short: "Create an entity, reading its payload from --payload or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := domain.TypeTag(args[0])
		var uidArg string
		if len(args) == 2 {
			uidArg = args[1]
		}
		uid, err := parseUID(uidArg)
		if err != nil {
			return err
		}

		indexProps, _ := cmd.Flags().GetStringSlice("index")
		replay, _ := cmd.Flags().GetBool("replay-to-source")

		payload, err := readPayload(cmd)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		inst, err := openInstance(cmd, entityType, indexProps)
		if err != nil {
			return err
		}
		defer inst.Close()

		revision, err := inst.Pipeline.NewEntity(entityType, uid, payload, replay)
		if err != nil {
			return fmt.Errorf("creating entity: %w", err)
		}

		fmt.Printf("Created %s/%s at revision %d\n", entityType, uid, revision)
		return nil
	},
}

var modifyCmd = &cobra.Command{
	Use:   "modify TYPE UID",
	Short: "Modify an entity, reading its new payload from --payload or stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := domain.TypeTag(args[0])
		uid, err := parseUID(args[1])
		if err != nil {
			return err
		}

		indexProps, _ := cmd.Flags().GetStringSlice("index")
		replay, _ := cmd.Flags().GetBool("replay-to-source")

		payload, err := readPayload(cmd)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		inst, err := openInstance(cmd, entityType, indexProps)
		if err != nil {
			return err
		}
		defer inst.Close()

		revision, err := inst.Pipeline.ModifiedEntity(entityType, uid, payload, replay)
		if err != nil {
			return fmt.Errorf("modifying entity: %w", err)
		}

		fmt.Printf("Modified %s/%s at revision %d\n", entityType, uid, revision)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete TYPE UID",
	Short: "Delete an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := domain.TypeTag(args[0])
		uid, err := parseUID(args[1])
		if err != nil {
			return err
		}

		replay, _ := cmd.Flags().GetBool("replay-to-source")
		indexProps, _ := cmd.Flags().GetStringSlice("index")

		inst, err := openInstance(cmd, entityType, indexProps)
		if err != nil {
			return err
		}
		defer inst.Close()

		revision, err := inst.Pipeline.DeletedEntity(entityType, uid, replay)
		if err != nil {
			return fmt.Errorf("deleting entity: %w", err)
		}

		fmt.Printf("Deleted %s/%s at revision %d\n", entityType, uid, revision)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query TYPE",
	Short: "Run a query against an entity type, optionally staying subscribed for live updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := domain.TypeTag(args[0])

		filters, _ := cmd.Flags().GetStringSlice("filter")
		parentProperty, _ := cmd.Flags().GetString("parent-property")
		live, _ := cmd.Flags().GetBool("live")
		indexProps, _ := cmd.Flags().GetStringSlice("index")

		propertyFilter, err := parseFilters(filters)
		if err != nil {
			return err
		}

		inst, err := openInstance(cmd, entityType, indexProps)
		if err != nil {
			return err
		}
		defer inst.Close()

		processAll, _ := cmd.Flags().GetBool("process-all")

		q := domain.Query{
			EntityType:     entityType,
			PropertyFilter: propertyFilter,
			ParentProperty: parentProperty,
			ProcessAll:     processAll,
			LiveQuery:      live,
		}

		if !live {
			result, err := inst.Query.Run(context.Background(), q)
			if err != nil {
				return err
			}
			printRows(result.Rows)
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(addr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
		}

		result, sub, err := inst.Query.Subscribe(ctx, q)
		if err != nil {
			return err
		}
		defer sub.Cancel()

		printRows(result.Rows)
		fmt.Println("-- live --")
		for change := range sub.Changes {
			fmt.Printf("%s %s %s\n", change.Kind, change.Entity.UID, change.Entity.Payload)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats TYPE",
	Short: "Print revision and health stats for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := domain.TypeTag(args[0])

		inst, err := openInstance(cmd, entityType, nil)
		if err != nil {
			return err
		}
		defer inst.Close()

		txn, err := inst.Store.Begin(store.ReadOnly)
		if err != nil {
			return err
		}
		maxRevision, err := store.MaxRevision(txn)
		_ = txn.Rollback()
		if err != nil {
			return err
		}

		status := inst.Health.Status()

		fmt.Printf("instance:      %s\n", inst.Config.InstanceID)
		fmt.Printf("entity type:   %s\n", entityType)
		fmt.Printf("max revision:  %d\n", maxRevision)
		fmt.Printf("healthy:       %v\n", status.Healthy)
		if !status.LastCheck.IsZero() {
			fmt.Printf("last checked:  %s\n", status.LastCheck.Format(time.RFC3339))
		}
		return nil
	},
}

func parseFilters(filters []string) (map[string]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(filters))
	for _, f := range filters {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid filter %q, want key=value", f)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func printRows(rows []query.Row) {
	for _, row := range rows {
		fmt.Printf("%s %s\n", row.Entity.UID, row.Entity.Payload)
	}
}

func init() {
	createCmd.Flags().String("payload", "", "Path to a JSON payload file (default: read stdin)")
	createCmd.Flags().Bool("replay-to-source", true, "Mark this revision for replay back to its originating source")
	createCmd.Flags().StringSlice("index", nil, "Top-level JSON property names to index for this entity type")

	modifyCmd.Flags().String("payload", "", "Path to a JSON payload file (default: read stdin)")
	modifyCmd.Flags().Bool("replay-to-source", true, "Mark this revision for replay back to its originating source")
	modifyCmd.Flags().StringSlice("index", nil, "Top-level JSON property names to index for this entity type")

	deleteCmd.Flags().Bool("replay-to-source", true, "Mark this revision for replay back to its originating source")
	deleteCmd.Flags().StringSlice("index", nil, "Top-level JSON property names to index for this entity type")

	queryCmd.Flags().StringSlice("filter", nil, "Residual property filter key=value, repeatable")
	queryCmd.Flags().String("parent-property", "", "Group results into a parent/child tree on this property")
	queryCmd.Flags().Bool("live", false, "Stay subscribed and stream Added/Modified/Removed deltas")
	queryCmd.Flags().StringSlice("index", nil, "Top-level JSON property names to index for this entity type")
	queryCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while a live query runs")
	queryCmd.Flags().Bool("process-all", false, "Wait for the pipeline to drain before taking the query snapshot")

	initCmd.Flags().Int64("map-size", 0, "Override the store's memory-mapped size in bytes")
	initCmd.Flags().Int("retention", 0, "Override the compactor's retained-revisions-per-UID count")
}
