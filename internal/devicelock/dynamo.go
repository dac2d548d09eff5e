package devicelock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/trailhunt/backend/internal/model"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps device locks in a DynamoDB table keyed by
// device_fingerprint. expires_at doubles as the table's TTL attribute, but
// DynamoDB TTL deletion lags, so readers still check expiry themselves.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoStore creates a DynamoStore.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) key(fingerprint string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"device_fingerprint": &types.AttributeValueMemberS{Value: fingerprint},
	}
}

func (s *DynamoStore) Get(ctx context.Context, fingerprint string) (*model.DeviceLock, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(fingerprint),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get device lock: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var lock model.DeviceLock
	if err := attributevalue.UnmarshalMap(out.Item, &lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device lock: %w", err)
	}
	return &lock, nil
}

func (s *DynamoStore) Put(ctx context.Context, lock model.DeviceLock) error {
	item, err := attributevalue.MarshalMap(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal device lock: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store device lock: %w", err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, fingerprint string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(fingerprint),
	})
	if err != nil {
		return fmt.Errorf("failed to delete device lock: %w", err)
	}
	return nil
}

func (s *DynamoStore) DeleteIfExpired(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(fingerprint),
		ConditionExpression: aws.String("expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			// Re-stored or already gone.
			return false, nil
		}
		return false, fmt.Errorf("failed to delete expired device lock: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) ExpiredFingerprints(ctx context.Context, now time.Time) ([]string, error) {
	var (
		out      []string
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.tableName),
			FilterExpression:     aws.String("expires_at <= :now"),
			ProjectionExpression: aws.String("device_fingerprint"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan device locks: %w", err)
		}

		for _, item := range page.Items {
			var row struct {
				DeviceFingerprint string `dynamodbav:"device_fingerprint"`
			}
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("failed to unmarshal device lock key: %w", err)
			}
			out = append(out, row.DeviceFingerprint)
		}

		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}
