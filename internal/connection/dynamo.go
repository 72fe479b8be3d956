package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoRegistry.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Condition and update expressions for the connections table.
const (
	condInsert    = "attribute_not_exists(connectionId) OR isActive = :false"
	condHeartbeat = "isActive = :true AND lastHeartbeatAt <= :ts"
	condInactive  = "isActive = :true"

	updateHeartbeat       = "SET lastHeartbeatAt = :ts"
	updateInactive        = "SET isActive = :false, disconnectedAt = :ts"
	updateInactiveWithTTL = "SET isActive = :false, disconnectedAt = :ts, expiresAt = :exp"
	keyConditionByContext = "clientContext = :ctx"
	filterActive          = "isActive = :true"
)

// dynamoItem is the table row. Timestamps are unix milliseconds; expiresAt is
// unix seconds so it can serve as the table's TTL attribute.
type dynamoItem struct {
	ConnectionID    string         `dynamodbav:"connectionId"`
	ClientContext   string         `dynamodbav:"clientContext"`
	CreatedAt       int64          `dynamodbav:"createdAt"`
	LastHeartbeatAt int64          `dynamodbav:"lastHeartbeatAt"`
	DisconnectedAt  int64          `dynamodbav:"disconnectedAt,omitempty"`
	IsActive        bool           `dynamodbav:"isActive"`
	Roles           []string       `dynamodbav:"roles,omitempty"`
	AllowedScopes   []string       `dynamodbav:"allowedScopes,omitempty"`
	ClientMetadata  ClientMetadata `dynamodbav:"clientMetadata"`
	ExpiresAt       int64          `dynamodbav:"expiresAt,omitempty"`
}

func itemFromRecord(rec *Record) dynamoItem {
	item := dynamoItem{
		ConnectionID:    rec.ID,
		ClientContext:   rec.Context,
		CreatedAt:       rec.CreatedAt.UnixMilli(),
		LastHeartbeatAt: rec.LastHeartbeatAt.UnixMilli(),
		IsActive:        rec.IsActive,
		Roles:           rec.Roles,
		AllowedScopes:   rec.AllowedScopes,
		ClientMetadata:  rec.Metadata,
	}
	if rec.DisconnectedAt != nil {
		item.DisconnectedAt = rec.DisconnectedAt.UnixMilli()
	}
	return item
}

func (i dynamoItem) record() *Record {
	rec := &Record{
		ID:              i.ConnectionID,
		Context:         i.ClientContext,
		CreatedAt:       time.UnixMilli(i.CreatedAt),
		LastHeartbeatAt: time.UnixMilli(i.LastHeartbeatAt),
		IsActive:        i.IsActive,
		Roles:           i.Roles,
		AllowedScopes:   i.AllowedScopes,
		Metadata:        i.ClientMetadata,
	}
	if i.DisconnectedAt != 0 {
		t := time.UnixMilli(i.DisconnectedAt)
		rec.DisconnectedAt = &t
	}
	return rec
}

// DynamoOptions configures a DynamoRegistry.
type DynamoOptions struct {
	Table        string
	ContextIndex string

	// Retention sets expiresAt on records when they go inactive. Zero keeps them.
	Retention time.Duration
}

// DynamoRegistry stores records in a DynamoDB table keyed by connectionId,
// with a global secondary index on clientContext.
type DynamoRegistry struct {
	client       DynamoAPI
	table        string
	contextIndex string
	retention    time.Duration
}

// NewDynamoRegistry creates a registry over an existing client.
func NewDynamoRegistry(client DynamoAPI, opts DynamoOptions) *DynamoRegistry {
	return &DynamoRegistry{
		client:       client,
		table:        opts.Table,
		contextIndex: opts.ContextIndex,
		retention:    opts.Retention,
	}
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain. A non-empty endpoint points it at a local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (d *DynamoRegistry) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"connectionId": &types.AttributeValueMemberS{Value: id},
	}
}

func (d *DynamoRegistry) Insert(ctx context.Context, rec *Record) error {
	av, err := attributevalue.MarshalMap(itemFromRecord(rec))
	if err != nil {
		return fmt.Errorf("encoding connection: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                av,
		ConditionExpression: aws.String(condInsert),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailed(err) {
		return apperrors.AlreadyActiveError(rec.ID)
	}
	if err != nil {
		return unavailable("insert", err)
	}
	return nil
}

func (d *DynamoRegistry) Get(ctx context.Context, id string) (*Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(out.Item) == 0 {
		return nil, notFound(id)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("decoding connection %s: %w", id, err)
	}
	return item.record(), nil
}

func (d *DynamoRegistry) GetByContext(ctx context.Context, name string) ([]*Record, error) {
	p := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(d.contextIndex),
		KeyConditionExpression: aws.String(keyConditionByContext),
		FilterExpression:       aws.String(filterActive),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ctx":  &types.AttributeValueMemberS{Value: name},
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	var out []*Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("getByContext", err)
		}
		recs, err := decodeItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (d *DynamoRegistry) GetAllActive(ctx context.Context) ([]*Record, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:        aws.String(d.table),
		FilterExpression: aws.String(filterActive),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	var out []*Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("getAllActive", err)
		}
		recs, err := decodeItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (d *DynamoRegistry) MarkHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		UpdateExpression:    aws.String(updateHeartbeat),
		ConditionExpression: aws.String(condHeartbeat),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts":   millis(at),
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("markHeartbeat", err)
	}
	return true, nil
}

func (d *DynamoRegistry) MarkInactive(ctx context.Context, id string, at time.Time) (bool, error) {
	values := map[string]types.AttributeValue{
		":ts":    millis(at),
		":true":  &types.AttributeValueMemberBOOL{Value: true},
		":false": &types.AttributeValueMemberBOOL{Value: false},
	}
	update := updateInactive
	if d.retention > 0 {
		update = updateInactiveWithTTL
		values[":exp"] = &types.AttributeValueMemberN{
			Value: strconv.FormatInt(at.Add(d.retention).Unix(), 10),
		}
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       d.key(id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condInactive),
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("markInactive", err)
	}
	return true, nil
}

// Ping checks that the table is reachable.
func (d *DynamoRegistry) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	if err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func decodeItems(items []map[string]types.AttributeValue) ([]*Record, error) {
	var rows []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("decoding connections: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		if row.IsActive {
			out = append(out, row.record())
		}
	}
	return out, nil
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
