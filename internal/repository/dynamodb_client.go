package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"aha-chat/internal/domain"
)

const (
	skActivity  = "ACTIVITY#"
	ttlDuration = 7 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores chat sessions in a single table. Each session partition holds
// a META# row, one MSG# row per transcript message and the ACTIVITY# row with
// turn counters.
type Client struct {
	api         dynamodbAPI
	tableName   string
	now         func() time.Time
	busyTimeout time.Duration
}

func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now, busyTimeout: defaultBusyTimeout}, nil
}

// sessionPK returns the partition key for a chat session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// RecordTurn bumps the turn or failure counter of the session row and
// refreshes model, budget, activity time and TTL in one UpdateItem.
func (c *Client) RecordTurn(ctx context.Context, outcome domain.TurnOutcome) error {
	if strings.TrimSpace(outcome.SessionID) == "" {
		return errors.New("repository: RecordTurn: session id is required")
	}

	counter := "failures"
	if outcome.Succeeded {
		counter = "turns"
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(outcome.SessionID)},
			"SK": &types.AttributeValueMemberS{Value: skActivity},
		},
		UpdateExpression: aws.String("ADD #counter :one SET sessionId = :sid, modelId = :model, maxTokens = :max, lastActivity = :now, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#counter": counter,
			"#ttl":     "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":sid":   &types.AttributeValueMemberS{Value: outcome.SessionID},
			":model": &types.AttributeValueMemberS{Value: outcome.ModelID},
			":max":   &types.AttributeValueMemberN{Value: strconv.Itoa(outcome.MaxTokens)},
			":now":   &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordTurn: %w", err)
	}
	return nil
}

// GetActivity reads the activity row of a session. ok is false when the
// session never finished a turn.
func (c *Client) GetActivity(ctx context.Context, sessionID string) (activity domain.SessionActivity, ok bool, err error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skActivity},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionActivity{}, false, fmt.Errorf("repository: GetActivity get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionActivity{}, false, nil
	}

	activity, err = itemToActivity(out.Item)
	if err != nil {
		return domain.SessionActivity{}, false, fmt.Errorf("repository: GetActivity decode: %w", err)
	}
	return activity, true, nil
}

// itemToActivity converts a DynamoDB attribute map to a SessionActivity.
// Counters that were never incremented are absent and decode as zero.
func itemToActivity(item map[string]types.AttributeValue) (domain.SessionActivity, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.SessionActivity{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.SessionActivity{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.SessionActivity{}, err
	}
	modelID, _ := strAttr(item, "modelId")
	lastActivity, _ := strAttr(item, "lastActivity")

	activity := domain.SessionActivity{
		PK:           pk,
		SK:           sk,
		SessionID:    sessionID,
		ModelID:      modelID,
		LastActivity: lastActivity,
	}
	for key, dst := range map[string]*int{"turns": &activity.Turns, "failures": &activity.Failures, "maxTokens": &activity.MaxTokens} {
		if _, present := item[key]; !present {
			continue
		}
		n, err := intAttr(item, key)
		if err != nil {
			return domain.SessionActivity{}, err
		}
		*dst = n
	}
	if _, present := item["ttl"]; present {
		ttl, err := intAttr(item, "ttl")
		if err != nil {
			return domain.SessionActivity{}, err
		}
		activity.TTL = int64(ttl)
	}
	return activity, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
