package catalog

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"harvest-stack/shared/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
)

const defaultPollInterval = time.Second

// AthenaAPI is the part of the Athena client the engine relies on
type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

// Athena runs queries in one Athena database. Results are written by Athena
// as CSV to the admin bucket and read back from there.
type Athena struct {
	client       AthenaAPI
	results      storage.S3API
	database     string
	outputPrefix string
	workgroup    string
	pollInterval time.Duration
}

func NewAthena(client AthenaAPI, results storage.S3API, database, adminBucket, workgroup string) *Athena {
	return &Athena{
		client:       client,
		results:      results,
		database:     database,
		outputPrefix: fmt.Sprintf("s3://%s/athena/", adminBucket),
		workgroup:    workgroup,
		pollInterval: defaultPollInterval,
	}
}

func (a *Athena) Exec(ctx context.Context, query string) error {
	_, err := a.run(ctx, query)
	return err
}

func (a *Athena) Query(ctx context.Context, query string) (io.ReadCloser, error) {
	location, err := a.run(ctx, query)
	if err != nil {
		return nil, err
	}

	bucket, key, err := storage.ParseS3URL(location)
	if err != nil {
		return nil, fmt.Errorf("unexpected query result location: %w", err)
	}
	return storage.NewS3Store(a.results, bucket).Get(ctx, key)
}

func (a *Athena) TableExists(ctx context.Context, table string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT table_name FROM information_schema.tables WHERE table_schema = '%s' AND table_name = '%s'",
		escapeLiteral(a.database), escapeLiteral(strings.ToLower(table)))

	names, err := QueryColumn(ctx, a, query, "table_name")
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return len(names) > 0, nil
}

// run starts query and polls until Athena reports a final state. It returns
// the S3 location of the result file.
func (a *Athena) run(ctx context.Context, query string) (string, error) {
	start, err := a.client.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(query),
		QueryExecutionContext: &types.QueryExecutionContext{Database: aws.String(a.database)},
		ResultConfiguration:   &types.ResultConfiguration{OutputLocation: aws.String(a.outputPrefix)},
		WorkGroup:             aws.String(a.workgroup),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start query: %w", err)
	}
	id := aws.ToString(start.QueryExecutionId)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		out, err := a.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			return "", fmt.Errorf("failed to poll query %s: %w", id, err)
		}

		exec := out.QueryExecution
		if exec == nil || exec.Status == nil {
			return "", fmt.Errorf("query %s returned no status", id)
		}

		switch exec.Status.State {
		case types.QueryExecutionStateSucceeded:
			if exec.ResultConfiguration == nil {
				return "", nil
			}
			return aws.ToString(exec.ResultConfiguration.OutputLocation), nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			return "", fmt.Errorf("query %s %s: %s", id, strings.ToLower(string(exec.Status.State)),
				aws.ToString(exec.Status.StateChangeReason))
		}

		select {
		case <-ctx.Done():
			log.Printf("Abandoning query %s: %v", id, ctx.Err())
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
