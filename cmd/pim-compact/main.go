// Command pim-compact is an offline maintenance tool that prunes
// superseded and tombstoned revisions past a resource instance's
// retention horizon. Adapted from the teacher's cmd/warren-migrate:
// same stdlib flag/log tool shape and pre-flight backup step, with the
// bucket-rewrite migration replaced by a call into pkg/compactor.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/pimengine/pkg/compactor"
	"github.com/cuemby/pimengine/pkg/config"
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/store"
)

var (
	storageRoot = flag.String("storage-root", "", "Directory containing resource instances (required)")
	instance    = flag.String("instance", "default", "Resource instance identifier")
	entityTypes = flag.String("types", "", "Comma-separated entity types to compact (required)")
	dryRun      = flag.Bool("dry-run", false, "Show what would be pruned without making changes")
	backupPath  = flag.String("backup", "", "Path to back up the database before compacting (default: <instance>/storage.db.backup)")
	noBackup    = flag.Bool("no-backup", false, "Skip the pre-compaction backup")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("pimengine compaction tool")
	log.Println("=========================")

	if *storageRoot == "" || *entityTypes == "" {
		log.Fatal("both --storage-root and --types are required")
	}

	types := splitTypes(*entityTypes)
	if len(types) == 0 {
		log.Fatal("--types must name at least one entity type")
	}

	cfg, err := config.Load(*storageRoot, *instance)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	dbPath := cfg.MainStorePath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("store not found at %s", dbPath)
	}

	log.Printf("store:     %s", dbPath)
	log.Printf("types:     %v", types)
	log.Printf("retention: %d revisions", cfg.RetentionRevisions)
	log.Printf("dry run:   %v", *dryRun)

	if !*dryRun && !*noBackup {
		backup := *backupPath
		if backup == "" {
			backup = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backup)
		if err := copyFile(dbPath, backup); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	if *dryRun {
		pruned, err := dryRunCount(dbPath, cfg, types)
		if err != nil {
			log.Fatalf("dry run failed: %v", err)
		}
		log.Printf("dry run complete: %d revisions would be pruned", pruned)
		log.Println("run without --dry-run to perform the compaction")
		return
	}

	st, err := store.Open(dbPath, store.ReadWrite)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	c := compactor.New(st, compactor.Config{
		EntityTypes:        types,
		RetentionRevisions: cfg.RetentionRevisions,
	})

	pruned, err := c.RunOnce()
	if err != nil {
		log.Fatalf("compaction failed: %v", err)
	}

	log.Printf("compaction complete: %d revisions pruned", pruned)
}

// dryRunCount opens the store read-only and counts what a real
// compaction pass would prune, without deleting anything.
func dryRunCount(dbPath string, cfg config.StoreConfig, types []domain.TypeTag) (int, error) {
	st, err := store.Open(dbPath, store.ReadOnly)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	c := compactor.New(st, compactor.Config{
		EntityTypes:        types,
		RetentionRevisions: cfg.RetentionRevisions,
	})

	return c.DryRun()
}

func splitTypes(s string) []domain.TypeTag {
	var out []domain.TypeTag
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, domain.TypeTag(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
