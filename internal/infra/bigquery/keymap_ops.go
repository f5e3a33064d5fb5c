package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	bq "github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
)

const surrogateKeysTable = "surrogate_keys"

// LoadKeyMapWithClient reads the persisted surrogate keys of every dimension.
// Rows are applied oldest first: a row whose natural key or surrogate key was
// already claimed by an earlier row is ignored, so runs that assigned keys
// concurrently cannot leave two natural keys on one surrogate key.
func LoadKeyMapWithClient(ctx context.Context, client *bigquery.Client, datasetID string) (map[domain.Dimension]map[string]int64, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT
			dimension,
			natural_key,
			surrogate_key,
			created_ts
		FROM %s.%s
		ORDER BY created_ts ASC, surrogate_key ASC, natural_key ASC
	`, datasetID, surrogateKeysTable))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadKeyMap: reading query: %w", err)
	}

	var mappings []domain.KeyMapping
	for {
		var row bq.KeyMapRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadKeyMap: iterating: %w", err)
		}
		mappings = append(mappings, domain.KeyMapping{
			Dimension:    domain.Dimension(row.Dimension),
			NaturalKey:   row.NaturalKey,
			SurrogateKey: row.SurrogateKey,
		})
	}
	return keymap.Snapshot(mappings), nil
}

// SaveKeyMappingsWithClient appends new key assignments to surrogate_keys.
// The insert ID deduplicates retries of the same mapping.
func SaveKeyMappingsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, mappings []domain.KeyMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	now := time.Now()
	savers := make([]*bigquery.StructSaver, 0, len(mappings))
	for _, m := range mappings {
		savers = append(savers, &bigquery.StructSaver{
			Struct: &bq.KeyMapRow{
				Dimension:    string(m.Dimension),
				NaturalKey:   m.NaturalKey,
				SurrogateKey: m.SurrogateKey,
				CreatedTS:    now,
			},
			InsertID: string(m.Dimension) + "/" + m.NaturalKey,
		})
	}

	inserter := client.Dataset(datasetID).Table(surrogateKeysTable).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("SaveKeyMappings: inserting rows: %w", err)
	}

	// The table has no unique constraint: re-read it and fail if a
	// concurrent run claimed one of these keys first.
	stored, err := LoadKeyMapWithClient(ctx, client, datasetID)
	if err != nil {
		return fmt.Errorf("SaveKeyMappings: verifying: %w", err)
	}
	if err := keymap.Verify(stored, mappings); err != nil {
		return fmt.Errorf("SaveKeyMappings: %w", err)
	}
	return nil
}
