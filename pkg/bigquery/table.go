package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

const metadataTimeout = 10 * time.Second

// ErrSchemaDrift reports an existing table that lacks columns the writer needs.
var ErrSchemaDrift = errors.New("bigquery table schema drift")

// TableSpec describes a table the service writes to.
type TableSpec struct {
	Name   string
	Schema bigquery.Schema
	// PartitionField must be a TIMESTAMP or DATE column. Empty means unpartitioned.
	PartitionField string
	ClusterBy      []string
}

// EnsureTable creates the table when it is missing. An existing table is left
// as is, provided it has every column in spec.Schema.
func (c *Client) EnsureTable(ctx context.Context, spec TableSpec) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errTableNameRequired
	}

	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	table := c.dataset.Table(name)
	meta, err := table.Metadata(ctx)
	switch {
	case err == nil:
		if missing := missingColumns(spec.Schema, meta.Schema); len(missing) > 0 {
			return fmt.Errorf("%w: %s missing %s", ErrSchemaDrift, name, strings.Join(missing, ", "))
		}
		return nil
	case !isNotFound(err):
		return fmt.Errorf("reading table %s: %w", name, err)
	}

	if err := table.Create(ctx, tableMetadata(spec)); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			// Another replica created it first.
			return nil
		}
		return fmt.Errorf("creating table %s: %w", name, err)
	}
	if c.logg != nil {
		c.logg.Info(c.logg.WithField(ctx, "table", name), "bigquery.table_created")
	}
	return nil
}

func tableMetadata(spec TableSpec) *bigquery.TableMetadata {
	meta := &bigquery.TableMetadata{Schema: spec.Schema}
	if spec.PartitionField != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: spec.PartitionField,
		}
	}
	if len(spec.ClusterBy) > 0 {
		meta.Clustering = &bigquery.Clustering{Fields: spec.ClusterBy}
	}
	return meta
}

// missingColumns returns the top-level columns of want absent from have.
func missingColumns(want, have bigquery.Schema) []string {
	present := make(map[string]struct{}, len(have))
	for _, f := range have {
		present[strings.ToLower(f.Name)] = struct{}{}
	}
	var missing []string
	for _, f := range want {
		if _, ok := present[strings.ToLower(f.Name)]; !ok {
			missing = append(missing, f.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
