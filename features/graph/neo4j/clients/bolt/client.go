// Package bolt implements the low-level Neo4j client used by the graph
// store. It exposes a single read-query operation over the official driver;
// the driver connects lazily, so constructing a client never touches the
// network.
package bolt

import (
	"context"
	"errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"goa.design/clue/health"

	"github.com/trellishq/trellis/runtime/faults"
)

const clientName = "graph-neo4j"

// Row is one result record keyed by its return alias.
type Row map[string]any

// Client exposes read access to the graph database.
type Client interface {
	health.Pinger

	// Query runs one read statement and returns all records.
	Query(ctx context.Context, statement string, params map[string]any) ([]Row, error)

	// Close releases the underlying driver.
	Close(ctx context.Context) error
}

// Options configures the Bolt client.
type Options struct {
	// URI is the connection URI (neo4j+s://host or bolt://host:7687).
	URI string

	// Username and Password authenticate the driver.
	Username string
	Password string

	// Database selects the target database. Empty selects the server
	// default.
	Database string
}

type client struct {
	driver   neo4j.DriverWithContext
	database string
}

// New returns a Client for the given database. Use Ping to verify
// reachability.
func New(opts Options) (Client, error) {
	if opts.URI == "" {
		return nil, errors.New("trellis: neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, "neo4j driver rejected URI", err)
	}
	return &client{driver: driver, database: opts.Database}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return faults.Wrap(faults.KindBackendFailure, "neo4j unreachable", err)
	}
	return nil
}

func (c *client) Query(ctx context.Context, statement string, params map[string]any) ([]Row, error) {
	configurers := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if c.database != "" {
		configurers = append(configurers, neo4j.ExecuteQueryWithDatabase(c.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, c.driver, statement, params,
		neo4j.EagerResultTransformer, configurers...)
	if err != nil {
		return nil, faults.Wrap(faults.KindBackendFailure, "neo4j query failed", err)
	}
	rows := make([]Row, 0, len(result.Records))
	for _, record := range result.Records {
		rows = append(rows, Row(record.AsMap()))
	}
	return rows, nil
}

func (c *client) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.driver.Close(ctx)
}
