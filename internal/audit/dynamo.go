package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/basket/taskchat/internal/persistence"
)

// PutItemAPI is the slice of the DynamoDB client the archiver needs.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoArchiver mirrors tool call logs into a DynamoDB table keyed by
// Owner (hash) and LogKey (range, "<created_at>#<id>"). Writes are
// conditional so a row is never overwritten.
type DynamoArchiver struct {
	client  PutItemAPI
	table   string
	timeout time.Duration
}

func NewDynamoArchiver(client PutItemAPI, table string) *DynamoArchiver {
	return &DynamoArchiver{client: client, table: table, timeout: 2 * time.Second}
}

// NewDynamoClient builds a client from the default AWS credential chain.
// A non-empty endpoint targets a local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func logKey(l persistence.ToolCallLog) string {
	return l.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + l.ID
}

func (a *DynamoArchiver) Archive(ctx context.Context, l persistence.ToolCallLog) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	item := map[string]types.AttributeValue{
		"Owner":     &types.AttributeValueMemberS{Value: l.Owner},
		"LogKey":    &types.AttributeValueMemberS{Value: logKey(l)},
		"ID":        &types.AttributeValueMemberS{Value: l.ID},
		"ToolName":  &types.AttributeValueMemberS{Value: l.ToolName},
		"Status":    &types.AttributeValueMemberS{Value: l.Status},
		"Params":    &types.AttributeValueMemberS{Value: string(l.Params)},
		"CreatedAt": &types.AttributeValueMemberS{Value: l.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if len(l.Result) > 0 {
		item["Result"] = &types.AttributeValueMemberS{Value: string(l.Result)}
	}
	if l.ErrorDetails != "" {
		item["ErrorDetails"] = &types.AttributeValueMemberS{Value: l.ErrorDetails}
	}
	if l.TraceID != "" {
		item["TraceID"] = &types.AttributeValueMemberS{Value: l.TraceID}
	}
	if l.ConversationID != "" {
		item["ConversationID"] = &types.AttributeValueMemberS{Value: l.ConversationID}
	}

	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(LogKey)"),
	})
	if err != nil {
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("archive tool call %s: %w", l.ID, err)
	}
	return nil
}
