//go:build integration

package dynamodb

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/caching-proxy/internal/cache"
)

// setup targets DynamoDB Local at CACHE_PROXY_DYNAMO_ENDPOINT and creates a fresh table.
func setup(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("CACHE_PROXY_DYNAMO_ENDPOINT")
	if endpoint == "" {
		t.Skip("CACHE_PROXY_DYNAMO_ENDPOINT not set")
	}

	store, err := Open(context.Background(), Config{Table: "proxy-cache-test", Region: "local", Endpoint: endpoint})
	require.NoError(t, err)

	client := store.client.(*dynamodb.Client)
	_, _ = client.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(store.table)})
	_, err = client.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName: aws.String(store.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("location"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("location"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	require.NoError(t, err)
	return store
}

func TestIntegrationRoundTripAndClear(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	key := cache.DeriveKey("/a", "http://localhost:3000")

	require.NoError(t, store.Put(ctx, key, json.RawMessage(`{"x":1}`)))
	got, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"x":1}`, string(got))

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
