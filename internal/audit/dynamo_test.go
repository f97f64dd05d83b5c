package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/taskchat/internal/persistence"
)

type fakePutItem struct {
	inputs []*dynamodb.PutItemInput
	err    error
}

func (f *fakePutItem) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.inputs = append(f.inputs, in)
	return &dynamodb.PutItemOutput{}, f.err
}

func sampleLog() persistence.ToolCallLog {
	return persistence.ToolCallLog{
		ID:        "log-1",
		Owner:     "u1",
		ToolName:  "delete",
		Params:    json.RawMessage(`{"task_id":4}`),
		Result:    json.RawMessage(`{"deleted":true}`),
		Status:    persistence.ToolCallSuccess,
		CreatedAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDynamoArchiver_ConditionalPut(t *testing.T) {
	fake := &fakePutItem{}
	a := NewDynamoArchiver(fake, "taskchat-audit")

	require.NoError(t, a.Archive(context.Background(), sampleLog()))
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	assert.Equal(t, "taskchat-audit", aws.ToString(in.TableName))
	assert.Equal(t, "attribute_not_exists(LogKey)", aws.ToString(in.ConditionExpression))
	owner, ok := in.Item["Owner"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "u1", owner.Value)
	key := in.Item["LogKey"].(*types.AttributeValueMemberS)
	assert.Equal(t, "2026-04-01T09:00:00Z#log-1", key.Value)
	_, hasErr := in.Item["ErrorDetails"]
	assert.False(t, hasErr)
}

func TestDynamoArchiver_AlreadyArchivedIsNotAnError(t *testing.T) {
	fake := &fakePutItem{err: &types.ConditionalCheckFailedException{}}
	a := NewDynamoArchiver(fake, "t")
	assert.NoError(t, a.Archive(context.Background(), sampleLog()))
}

func TestDynamoArchiver_PropagatesOtherErrors(t *testing.T) {
	fake := &fakePutItem{err: errors.New("throttled")}
	a := NewDynamoArchiver(fake, "t")
	assert.Error(t, a.Archive(context.Background(), sampleLog()))
}
