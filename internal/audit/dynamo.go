package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoSink.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoSink stores records in a DynamoDB table whose partition key is
// notification_id.
type DynamoSink struct {
	client DynamoAPI
	table  string
}

// NewDynamoSink creates a DynamoSink for the given table.
func NewDynamoSink(client DynamoAPI, table string) *DynamoSink {
	if table == "" {
		table = "healthcare-notifications"
	}
	return &DynamoSink{client: client, table: table}
}

// Append puts rec, overwriting an existing item unless that would turn a
// sent record into a failed one. A rejected downgrade counts as success.
func (s *DynamoSink) Append(ctx context.Context, rec dispatch.Record) error {
	item := map[string]types.AttributeValue{
		"notification_id": &types.AttributeValueMemberS{Value: rec.NotificationID},
		"type":            &types.AttributeValueMemberS{Value: string(rec.Channel)},
		"recipient":       &types.AttributeValueMemberS{Value: rec.Recipient},
		"message":         &types.AttributeValueMemberS{Value: rec.Message},
		"status":          &types.AttributeValueMemberS{Value: string(rec.Status)},
		"timestamp":       &types.AttributeValueMemberS{Value: rec.AttemptedAt.UTC().Format(time.RFC3339Nano)},
		"attempts":        &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Attempts)},
	}
	if rec.ErrorDetail != "" {
		item["error_detail"] = &types.AttributeValueMemberS{Value: rec.ErrorDetail}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(notification_id) OR #s <> :sent OR :new = :sent"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent": &types.AttributeValueMemberS{Value: string(dispatch.StatusSent)},
			":new":  &types.AttributeValueMemberS{Value: string(rec.Status)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("put dispatch record %s: %w", rec.NotificationID, err)
	}
	return nil
}

// Get loads one record with a consistent read.
func (s *DynamoSink) Get(ctx context.Context, id string) (dispatch.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"notification_id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dispatch.Record{}, fmt.Errorf("get dispatch record %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return dispatch.Record{}, ErrNotFound
	}

	rec := dispatch.Record{
		NotificationID: stringAttr(out.Item, "notification_id"),
		Channel:        dispatch.Channel(stringAttr(out.Item, "type")),
		Recipient:      stringAttr(out.Item, "recipient"),
		Message:        stringAttr(out.Item, "message"),
		Status:         dispatch.Status(stringAttr(out.Item, "status")),
		ErrorDetail:    stringAttr(out.Item, "error_detail"),
	}
	if ts := stringAttr(out.Item, "timestamp"); ts != "" {
		rec.AttemptedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if n, ok := out.Item["attempts"].(*types.AttributeValueMemberN); ok {
		rec.Attempts, _ = strconv.Atoi(n.Value)
	}
	return rec, nil
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
