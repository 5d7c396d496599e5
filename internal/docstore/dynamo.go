package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

const (
	dynamoParentKey = "parent"
	dynamoIDKey     = "id"
	dynamoData      = "data"
	dynamoVersion   = "version"

	commitAttempts = 5
)

// DynamoBackend stores each document as one item keyed by its collection
// (partition) and id (sort). Commits are optimistic: every item carries a
// version that the transaction conditions on.
type DynamoBackend struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoBackend creates a backend over table.
func NewDynamoBackend(client *dynamodb.Client, table string) *DynamoBackend {
	return &DynamoBackend{client: client, table: table}
}

// EnsureTable creates the documents table if it does not exist yet.
func (b *DynamoBackend) EnsureTable(ctx context.Context) error {
	_, err := b.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(b.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(dynamoParentKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(dynamoIDKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(dynamoParentKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(dynamoIDKey), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		var riue *types.ResourceInUseException
		if errors.As(err, &riue) {
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", b.table, err)
	}
	log.Info().Str("table", b.table).Msg("Created documents table")
	return nil
}

func (b *DynamoBackend) Get(ctx context.Context, path string) (DocumentSnapshot, error) {
	snap, _, err := b.read(ctx, path)
	return snap, err
}

func (b *DynamoBackend) read(ctx context.Context, path string) (DocumentSnapshot, int64, error) {
	parent, id, err := splitDocPath(path)
	if err != nil {
		return DocumentSnapshot{}, 0, err
	}

	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            itemKey(parent, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return DocumentSnapshot{}, 0, classifyDynamoError(fmt.Errorf("failed to get document %s: %w", path, err))
	}
	if out.Item == nil {
		return DocumentSnapshot{Path: path, ID: id}, 0, nil
	}

	data, version, err := decodeItem(out.Item)
	if err != nil {
		return DocumentSnapshot{}, 0, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return DocumentSnapshot{Path: path, ID: id, Exists: true, Data: data}, version, nil
}

func (b *DynamoBackend) Query(ctx context.Context, q Query) ([]DocumentSnapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("#p = :p"),
		ExpressionAttributeNames: map[string]string{
			"#p": dynamoParentKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: q.collection},
		},
		ConsistentRead: aws.Bool(true),
	})

	docs := make([]DocumentSnapshot, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyDynamoError(fmt.Errorf("failed to query %s: %w", q.collection, err))
		}
		for _, item := range page.Items {
			var id string
			if err := attributevalue.Unmarshal(item[dynamoIDKey], &id); err != nil {
				return nil, fmt.Errorf("failed to decode document id: %w", err)
			}
			data, _, err := decodeItem(item)
			if err != nil {
				return nil, fmt.Errorf("failed to decode document %s/%s: %w", q.collection, id, err)
			}
			docs = append(docs, DocumentSnapshot{Path: q.collection + "/" + id, ID: id, Exists: true, Data: data})
		}
	}
	return q.evaluate(docs), nil
}

// Commit reads every touched document, applies the writes and persists them
// in one transaction conditioned on the versions read. A lost race is
// retried from a fresh read.
func (b *DynamoBackend) Commit(ctx context.Context, writes []Write) error {
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		items, err := b.stage(ctx, writes)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}
		if !isWriteConflict(err) {
			return classifyDynamoError(fmt.Errorf("failed to commit writes: %w", err))
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("Document commit conflicted, retrying")
	}
	return fmt.Errorf("%w: commit kept conflicting: %w", ErrUnavailable, lastErr)
}

func (b *DynamoBackend) stage(ctx context.Context, writes []Write) ([]types.TransactWriteItem, error) {
	type staged struct {
		data    map[string]any
		exists  bool
		existed bool
		version int64
	}
	pending := make(map[string]*staged, len(writes))
	order := make([]string, 0, len(writes))

	for _, w := range writes {
		st, ok := pending[w.Path]
		if !ok {
			snap, version, err := b.read(ctx, w.Path)
			if err != nil {
				return nil, err
			}
			st = &staged{data: snap.Data, exists: snap.Exists, existed: snap.Exists, version: version}
			pending[w.Path] = st
			order = append(order, w.Path)
		}
		next, exists, err := w.apply(st.data, st.exists)
		if err != nil {
			return nil, err
		}
		st.data, st.exists = next, exists
	}

	items := make([]types.TransactWriteItem, 0, len(order))
	for _, path := range order {
		st := pending[path]
		parent, id, _ := splitDocPath(path)
		key := itemKey(parent, id)

		versionCond := aws.String("#v = :v")
		versionNames := map[string]string{"#v": dynamoVersion}
		versionValues := map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(st.version, 10)},
		}
		absentCond := aws.String("attribute_not_exists(#id)")
		absentNames := map[string]string{"#id": dynamoIDKey}

		switch {
		case !st.existed && !st.exists:
			items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName:                aws.String(b.table),
				Key:                      key,
				ConditionExpression:      absentCond,
				ExpressionAttributeNames: absentNames,
			}})
		case st.existed && !st.exists:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(b.table),
				Key:                       key,
				ConditionExpression:       versionCond,
				ExpressionAttributeNames:  versionNames,
				ExpressionAttributeValues: versionValues,
			}})
		default:
			item, err := encodeItem(parent, id, st.data, st.version+1)
			if err != nil {
				return nil, fmt.Errorf("failed to encode document %s: %w", path, err)
			}
			put := &types.Put{TableName: aws.String(b.table), Item: item}
			if st.existed {
				put.ConditionExpression = versionCond
				put.ExpressionAttributeNames = versionNames
				put.ExpressionAttributeValues = versionValues
			} else {
				put.ConditionExpression = absentCond
				put.ExpressionAttributeNames = absentNames
			}
			items = append(items, types.TransactWriteItem{Put: put})
		}
	}

	// Nothing to persist when the batch only touched missing documents.
	allChecks := true
	for _, it := range items {
		if it.ConditionCheck == nil {
			allChecks = false
			break
		}
	}
	if allChecks {
		return nil, nil
	}
	return items, nil
}

func (b *DynamoBackend) Close() error {
	return nil
}

func itemKey(parent, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoParentKey: &types.AttributeValueMemberS{Value: parent},
		dynamoIDKey:     &types.AttributeValueMemberS{Value: id},
	}
}

func encodeItem(parent, id string, data map[string]any, version int64) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, err
	}
	item := itemKey(parent, id)
	item[dynamoData] = av
	item[dynamoVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	return item, nil
}

func decodeItem(item map[string]types.AttributeValue) (map[string]any, int64, error) {
	var data map[string]any
	if av, ok := item[dynamoData]; ok {
		if err := attributevalue.Unmarshal(av, &data); err != nil {
			return nil, 0, err
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	var version int64
	if av, ok := item[dynamoVersion]; ok {
		if err := attributevalue.Unmarshal(av, &version); err != nil {
			return nil, 0, err
		}
	}
	// Round-trip through the JSON model so numbers compare as float64
	// exactly like the other backends.
	nv, err := normalize(data)
	if err != nil {
		return nil, 0, err
	}
	m, _ := nv.(map[string]any)
	return m, version, nil
}

func isWriteConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if r.Code == nil {
				continue
			}
			switch *r.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var tcx *types.TransactionConflictException
	return errors.As(err, &tcx)
}

func classifyDynamoError(err error) error {
	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		progress   *types.TransactionInProgressException
		internal   *types.InternalServerError
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &progress), errors.As(err, &internal):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
