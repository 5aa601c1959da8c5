package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the slice of the DynamoDB client used by the store. Tests
// substitute a fake.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// dynamoItem is the single-table schema: owner_id is the partition key and
// task_id the sort key, so owner-scoped listing is a native range query.
// expires_at is the table's TTL attribute, in epoch seconds as DynamoDB
// requires.
type dynamoItem struct {
	OwnerID   string `dynamodbav:"owner_id"`
	TaskID    string `dynamodbav:"task_id"`
	Record    []byte `dynamodbav:"record"`
	Version   int64  `dynamodbav:"version"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

// DynamoStore implements the Backend contract on a DynamoDB table.
// write-if-version maps to a conditional PutItem asserting the stored
// version; expiry is delegated to DynamoDB's background TTL sweep, so
// ReapExpired is a no-op and deleted items may linger briefly past their
// expiry (the engine filters defensively on read).
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoStore creates a store on an existing DynamoDB client and table.
// The table must use owner_id as partition key, task_id as sort key and
// expires_at as its TTL attribute.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
	}
}

// "version" is a DynamoDB reserved word, so every expression aliases it.
var versionAlias = map[string]string{"#v": "version"}

func (ds *DynamoStore) key(owner, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"owner_id": &types.AttributeValueMemberS{Value: owner},
		"task_id":  &types.AttributeValueMemberS{Value: id},
	}
}

// Read fetches the item with a strongly consistent get.
func (ds *DynamoStore) Read(ctx context.Context, owner, id string) ([]byte, int64, error) {
	out, err := ds.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(ds.table),
		Key:            ds.key(owner, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to get item: %w", ErrUnavailable, err)
	}
	if out.Item == nil {
		return nil, 0, ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.Record, item.Version, nil
}

// Write stores a brand-new item at version 0, conditioned on the key not
// existing so concurrent first writers resolve to exactly one winner.
func (ds *DynamoStore) Write(ctx context.Context, owner, id string, value []byte, expiresAt time.Time) error {
	av, err := attributevalue.MarshalMap(dynamoItem{
		OwnerID:   owner,
		TaskID:    id,
		Record:    value,
		Version:   0,
		ExpiresAt: expirySeconds(expiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = ds.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(ds.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(owner_id)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrKeyExists
		}
		return fmt.Errorf("%w: failed to put item: %w", ErrUnavailable, err)
	}
	return nil
}

// WriteIfVersion replaces the item only when the stored version matches,
// asking DynamoDB to hand back the current item on condition failure so the
// conflict carries the actual version without an extra round trip.
func (ds *DynamoStore) WriteIfVersion(ctx context.Context, owner, id string, value []byte, expected int64, expiresAt time.Time) (int64, error) {
	newVersion := expected + 1
	av, err := attributevalue.MarshalMap(dynamoItem{
		OwnerID:   owner,
		TaskID:    id,
		Record:    value,
		Version:   newVersion,
		ExpiresAt: expirySeconds(expiresAt),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = ds.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(ds.table),
		Item:                                av,
		ConditionExpression:                 aws.String("attribute_exists(owner_id) AND #v = :expected"),
		ExpressionAttributeNames:            versionAlias,
		ExpressionAttributeValues:           map[string]types.AttributeValue{":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected)}},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return newVersion, nil
	}

	var cond *types.ConditionalCheckFailedException
	if !errors.As(err, &cond) {
		return 0, fmt.Errorf("%w: failed to put item: %w", ErrUnavailable, err)
	}
	if cond.Item == nil {
		// Condition failed with nothing stored under the key.
		return 0, ErrNotFound
	}

	var current dynamoItem
	if err := attributevalue.UnmarshalMap(cond.Item, &current); err != nil {
		return 0, fmt.Errorf("failed to unmarshal conflicting item: %w", err)
	}
	return 0, &VersionConflictError{Actual: current.Version}
}

// Delete removes the item unconditionally.
func (ds *DynamoStore) Delete(ctx context.Context, owner, id string) error {
	_, err := ds.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(ds.table),
		Key:       ds.key(owner, id),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete item: %w", ErrUnavailable, err)
	}
	return nil
}

// ListOwner queries the owner partition, following pagination until the
// range is exhausted.
func (ds *DynamoStore) ListOwner(ctx context.Context, owner string) ([]string, error) {
	var ids []string
	var startKey map[string]types.AttributeValue

	for {
		out, err := ds.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(ds.table),
			KeyConditionExpression:    aws.String("owner_id = :o"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":o": &types.AttributeValueMemberS{Value: owner}},
			ProjectionExpression:      aws.String("task_id"),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to query owner partition: %w", ErrUnavailable, err)
		}

		for _, item := range out.Items {
			if id, ok := item["task_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, id.Value)
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return ids, nil
}

// ReapExpired is a no-op: DynamoDB's native TTL sweep removes expired items
// out-of-band.
func (ds *DynamoStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Close is a no-op; the DynamoDB client is owned by the caller.
func (ds *DynamoStore) Close() error {
	return nil
}

func expirySeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
