package catalog

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tabletscan/model"
)

// fakeDynamoClient implements DynamoClient over a map, honoring the
// conditional put and the descending, limit-1 query the catalog issues.
type fakeDynamoClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue // "tablet/version" -> item
}

func newFakeDynamoClient() *fakeDynamoClient {
	return &fakeDynamoClient{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	t := item["tablet"].(*types.AttributeValueMemberN).Value
	v := item["version"].(*types.AttributeValueMemberN).Value
	return t + "/" + v
}

func (f *fakeDynamoClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemKey(params.Item)
	if _, ok := f.items[key]; ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[itemKey(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamoClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tablet := params.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberN).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["tablet"].(*types.AttributeValueMemberN).Value == tablet {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		vi, _ := strconv.ParseUint(items[i]["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		vj, _ := strconv.ParseUint(items[j]["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return vi > vj
	})
	if params.Limit != nil && len(items) > int(*params.Limit) {
		items = items[:*params.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func TestDynamoCatalog(t *testing.T) {
	catalogUnderTest(t, NewDynamoCatalog(newFakeDynamoClient(), "tablet-commits", nil))
}

func TestDynamoCatalogMalformedRecord(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamoClient()
	client.items["1/1"] = map[string]types.AttributeValue{
		"tablet":  &types.AttributeValueMemberN{Value: "1"},
		"version": &types.AttributeValueMemberN{Value: "1"},
	}

	c := NewDynamoCatalog(client, "tablet-commits", nil)
	_, err := c.Resolve(ctx, 1, 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionNotFound)
}

func TestDynamoCatalogLatestPicksHighestVersion(t *testing.T) {
	ctx := context.Background()
	c := NewDynamoCatalog(newFakeDynamoClient(), "tablet-commits", nil)

	require.NoError(t, c.Publish(ctx, snapshot(5, 2, 0)))
	require.NoError(t, c.Publish(ctx, snapshot(5, 10, 0)))
	require.NoError(t, c.Publish(ctx, snapshot(5, 9, 0)))

	v, err := c.Latest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.Version(10), v)
}
