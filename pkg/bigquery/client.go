package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/gcp"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

var (
	errProjectIDRequired    = errors.New("bigquery: gcp project id is required")
	errDatasetRequired      = errors.New("bigquery: dataset is required")
	errTableNameRequired    = errors.New("bigquery: table name is required")
	errClientNotInitialized = errors.New("bigquery: client not initialized")
)

// Client writes into a single dataset.
type Client struct {
	bq          *bigquery.Client
	dataset     *bigquery.Dataset
	ledgerTable string
	logg        *logger.Logger
}

// NewClient dials BigQuery and fails fast when the dataset is missing.
// Tables are provisioned separately through EnsureTable.
func NewClient(ctx context.Context, gcpCfg config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	project := gcp.ProjectID(gcpCfg)
	datasetID := strings.TrimSpace(cfg.Dataset)
	ledgerTable := strings.TrimSpace(cfg.LedgerTable)
	if err := firstMissing(project, datasetID, ledgerTable); err != nil {
		return nil, err
	}

	bq, err := bigquery.NewClient(ctx, project, gcp.ClientOptions(gcpCfg)...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: dial %s: %w", project, err)
	}
	dataset := bq.Dataset(datasetID)

	probeCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	if _, err := dataset.Metadata(probeCtx); err != nil {
		_ = bq.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("bigquery: dataset %s.%s not found", project, datasetID)
		}
		return nil, fmt.Errorf("bigquery: probe dataset %s: %w", datasetID, err)
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"project": project, "dataset": datasetID, "table": ledgerTable}), "bigquery.ready")
	}
	return &Client{bq: bq, dataset: dataset, ledgerTable: ledgerTable, logg: logg}, nil
}

func firstMissing(project, dataset, table string) error {
	switch {
	case project == "":
		return errProjectIDRequired
	case dataset == "":
		return errDatasetRequired
	case table == "":
		return errTableNameRequired
	}
	return nil
}

// LedgerTable is the configured export table name.
func (c *Client) LedgerTable() string {
	if c == nil {
		return ""
	}
	return c.ledgerTable
}

// InsertRows streams rows into a table of the dataset. Rows may be structs or
// bigquery.ValueSaver values.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	if table = strings.TrimSpace(table); table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, rows)
}

func (c *Client) Close() error {
	if c == nil || c.bq == nil {
		return nil
	}
	return c.bq.Close()
}
