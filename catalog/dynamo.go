package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/tabletscan/codec"
	"github.com/hupe1980/tabletscan/model"
)

// DynamoClient is the subset of the DynamoDB API the catalog uses.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoCatalog stores commit records in a DynamoDB table, giving the
// compare-and-swap publish semantics that object stores lack. Multiple
// writers can publish concurrently; conditional writes make exactly
// one of them win a version.
//
// Table schema:
//   - Partition key: tablet (N)
//   - Sort key: version (N)
//   - Attribute: segments (S, encoded snapshot)
//
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name tablet-commits \
//	  --attribute-definitions AttributeName=tablet,AttributeType=N AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=tablet,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoCatalog struct {
	client    DynamoClient
	tableName string
	codec     codec.Codec
}

// NewDynamoCatalog creates a catalog on a DynamoDB table. A nil codec
// falls back to JSON.
func NewDynamoCatalog(client DynamoClient, tableName string, c codec.Codec) *DynamoCatalog {
	if c == nil {
		c = codec.Default
	}
	return &DynamoCatalog{client: client, tableName: tableName, codec: c}
}

// Resolve fetches and decodes the commit record for the version.
func (c *DynamoCatalog) Resolve(ctx context.Context, tablet model.TabletID, version model.Version) (*Snapshot, error) {
	resp, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"tablet":  &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(tablet), 10)},
			"version": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(version), 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: dynamodb get: %w", err)
	}
	if resp.Item == nil {
		return nil, ErrVersionNotFound
	}

	segAttr, ok := resp.Item["segments"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("catalog: malformed commit record")
	}

	var snap Snapshot
	if err := c.codec.Unmarshal([]byte(segAttr.Value), &snap); err != nil {
		return nil, fmt.Errorf("catalog: decode commit record: %w", err)
	}
	return &snap, nil
}

// Publish writes the commit record with a conditional put, so only the
// first writer of a version succeeds.
func (c *DynamoCatalog) Publish(ctx context.Context, snap *Snapshot) error {
	data, err := c.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("catalog: encode commit record: %w", err)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"tablet":   &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(snap.Tablet), 10)},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(snap.Version), 10)},
			"segments": &types.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrVersionExists
		}
		return fmt.Errorf("catalog: dynamodb put: %w", err)
	}
	return nil
}

// Latest queries the newest commit record of a tablet.
func (c *DynamoCatalog) Latest(ctx context.Context, tablet model.TabletID) (model.Version, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("tablet = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(tablet), 10)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: dynamodb query: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, ErrVersionNotFound
	}

	versionAttr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("catalog: malformed commit record")
	}
	v, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: parse version: %w", err)
	}
	return model.Version(v), nil
}
