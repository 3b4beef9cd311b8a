// Package dynamodb stores proxy cache entries in an Amazon DynamoDB table whose
// hash key is the string attribute "location".
package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/any-hub/caching-proxy/internal/cache"
)

const (
	// batchSize is the BatchWriteItem request limit.
	batchSize = 25
	// maxBatchAttempts bounds resubmission of UnprocessedItems per chunk.
	maxBatchAttempts = 5
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config defines the table and connection settings.
type Config struct {
	Table string
	// Region and Endpoint are only used by Open; Endpoint targets DynamoDB Local.
	Region   string
	Endpoint string
}

// ValidationError reports an unusable store configuration.
type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of dynamodb store failed for reason : %s", ve.Reason)
}

// Store implements cache.Store on top of DynamoDB.
type Store struct {
	client API
	table  string

	now func() time.Time
}

var _ cache.Store = (*Store)(nil)

type entryItem struct {
	Location  string `dynamodbav:"location"`
	Namespace string `dynamodbav:"namespace"`
	Payload   string `dynamodbav:"payload"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

// Open loads the default AWS configuration and builds a client for cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg)
}

// New wraps an existing client. The table must already exist.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, ValidationError{Reason: "nil client"}
	}
	if cfg.Table == "" {
		return nil, ValidationError{Reason: "empty table name"}
	}
	return &Store{
		client: client,
		table:  cfg.Table,
		now:    time.Now,
	}, nil
}

func (s *Store) Get(ctx context.Context, key cache.Key) (json.RawMessage, bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            locationKey(key.Location()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, cache.NewStorageError("get", key.Location(), err)
	}
	if output.Item == nil {
		return nil, false, nil
	}

	var item entryItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, false, cache.NewStorageError("get", key.Location(), err)
	}
	if err := cache.ValidatePayload([]byte(item.Payload)); err != nil {
		return nil, false, cache.NewStorageError("get", key.Location(), err)
	}
	return json.RawMessage(item.Payload), true, nil
}

func (s *Store) Put(ctx context.Context, key cache.Key, value json.RawMessage) error {
	if err := cache.ValidatePayload(value); err != nil {
		return cache.NewStorageError("put", key.Location(), err)
	}

	av, err := attributevalue.MarshalMap(entryItem{
		Location:  key.Location(),
		Namespace: key.Namespace,
		Payload:   string(value),
		CreatedAt: s.now().UTC().Unix(),
	})
	if err != nil {
		return cache.NewStorageError("put", key.Location(), err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	return cache.NewStorageError("put", key.Location(), err)
}

// Clear scans every key and deletes them in batches.
func (s *Store) Clear(ctx context.Context) error {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#loc"),
		ExpressionAttributeNames: map[string]string{"#loc": "location"},
		ConsistentRead:           aws.Bool(true),
	})

	var pending []types.WriteRequest
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return cache.NewStorageError("clear", "", err)
		}
		for _, item := range page.Items {
			loc, ok := item["location"]
			if !ok {
				continue
			}
			pending = append(pending, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"location": loc},
				},
			})
		}
	}

	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		if err := s.deleteBatch(ctx, pending[start:end]); err != nil {
			return cache.NewStorageError("clear", "", err)
		}
	}
	return nil
}

func (s *Store) deleteBatch(ctx context.Context, requests []types.WriteRequest) error {
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		output, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		if err != nil {
			return err
		}
		requests = output.UnprocessedItems[s.table]
		if len(requests) == 0 {
			return nil
		}
	}
	return fmt.Errorf("%d items left unprocessed after %d attempts", len(requests), maxBatchAttempts)
}

func locationKey(location string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"location": &types.AttributeValueMemberS{Value: location},
	}
}
