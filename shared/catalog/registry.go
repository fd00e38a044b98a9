package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// ErrSchemaRegistration marks a batch that landed in storage but whose table
// could not be (re)declared. The data is safe; registration must be re-run.
var ErrSchemaRegistration = errors.New("schema registration failed")

// Schema declares a table over the objects stored under its prefix
type Schema struct {
	Table string
	// DDL is the CREATE statement; {location} is replaced by the table's
	// storage location.
	DDL string
	// Partitioned tables are dropped, recreated and repaired on every
	// registration so new creation_date partitions become visible.
	Partitioned bool
}

// Registry keeps table declarations in step with committed batches
type Registry struct {
	engine   QueryEngine
	location func(prefix string) string
}

// NewRegistry returns a registry whose tables live at location(table + "/")
func NewRegistry(engine QueryEngine, location func(prefix string) string) *Registry {
	return &Registry{
		engine:   engine,
		location: location,
	}
}

// Register declares s. Unpartitioned tables are only created when absent.
func (r *Registry) Register(ctx context.Context, s Schema) error {
	ddl := strings.ReplaceAll(s.DDL, "{location}", r.location(s.Table+"/"))

	var statements []string
	if s.Partitioned {
		log.Printf("Recreating table %s", s.Table)
		statements = []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", s.Table),
			ddl,
			fmt.Sprintf("MSCK REPAIR TABLE %s", s.Table),
		}
	} else {
		log.Printf("Ensuring table %s exists", s.Table)
		statements = []string{ddl}
	}

	for _, stmt := range statements {
		if err := r.engine.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: table %s: %w", ErrSchemaRegistration, s.Table, err)
		}
	}
	return nil
}
