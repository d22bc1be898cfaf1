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
	skMeta      = "META#"
	skPrefixMsg = "MSG#"

	// defaultBusyTimeout matches the longest a Lambda invocation can hold a
	// turn open. An older claim is treated as abandoned.
	defaultBusyTimeout = 15 * time.Minute

	// maxTransactItems is the DynamoDB limit for one TransactWriteItems call.
	maxTransactItems = 100
)

// msgSK returns the sort key of the transcript message at position seq.
// Zero padding keeps the partition in transcript order.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%06d", skPrefixMsg, seq)
}

func itemKey(sessionID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (c *Client) messageItem(sessionID string, seq int, msg domain.ChatMessage) map[string]types.AttributeValue {
	item := itemKey(sessionID, msgSK(seq))
	item["role"] = &types.AttributeValueMemberS{Value: string(msg.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)}
	return item
}

func (c *Client) putMessage(sessionID string, seq int, msg domain.ChatMessage) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                c.messageItem(sessionID, seq, msg),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}
}

// CreateSession writes the META# row and the initial transcript in one
// transaction. It fails if the session already exists.
func (c *Client) CreateSession(ctx context.Context, state domain.SessionState) error {
	if strings.TrimSpace(state.ID) == "" {
		return errors.New("repository: CreateSession: session id is required")
	}
	if len(state.Transcript)+1 > maxTransactItems {
		return fmt.Errorf("repository: CreateSession: transcript of %d messages does not fit one transaction", len(state.Transcript))
	}

	meta := itemKey(state.ID, skMeta)
	meta["sessionId"] = &types.AttributeValueMemberS{Value: state.ID}
	meta["messages"] = &types.AttributeValueMemberN{Value: strconv.Itoa(len(state.Transcript))}
	meta["busy"] = &types.AttributeValueMemberBOOL{Value: false}
	meta["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)}
	if state.Config != nil {
		meta["modelId"] = &types.AttributeValueMemberS{Value: state.Config.ModelID}
		meta["maxTokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(state.Config.MaxTokens)}
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                meta,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}}
	for i, msg := range state.Transcript {
		items = append(items, c.putMessage(state.ID, i, msg))
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return turnError("CreateSession", err)
	}
	return nil
}

// LoadSession reads the whole session partition. ok is false when the session
// is unknown, expired, or its transcript rows no longer line up with META#.
func (c *Client) LoadSession(ctx context.Context, sessionID string) (state domain.SessionState, ok bool, err error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionState{}, false, nil
	}

	var (
		meta     map[string]types.AttributeValue
		messages = map[int]domain.ChatMessage{}
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return domain.SessionState{}, false, fmt.Errorf("repository: LoadSession query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.SessionState{}, false, fmt.Errorf("repository: LoadSession: %w", err)
			}
			switch {
			case sk == skMeta:
				meta = item
			case strings.HasPrefix(sk, skPrefixMsg):
				seq, msg, err := itemToMessage(sk, item)
				if err != nil {
					return domain.SessionState{}, false, fmt.Errorf("repository: LoadSession decode: %w", err)
				}
				messages[seq] = msg
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if meta == nil {
		return domain.SessionState{}, false, nil
	}

	count, err := intAttr(meta, "messages")
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("repository: LoadSession decode: %w", err)
	}
	// Message rows carry their own TTL; a gap means part of the transcript
	// expired before META# did.
	transcript := make([]domain.ChatMessage, 0, count)
	for i := 0; i < count; i++ {
		msg, present := messages[i]
		if !present {
			return domain.SessionState{}, false, nil
		}
		transcript = append(transcript, msg)
	}

	state = domain.SessionState{ID: sessionID, Transcript: transcript}
	if modelID, err := strAttr(meta, "modelId"); err == nil {
		maxTokens, err := intAttr(meta, "maxTokens")
		if err != nil {
			return domain.SessionState{}, false, fmt.Errorf("repository: LoadSession decode: %w", err)
		}
		state.Config = &domain.RequestConfig{ModelID: modelID, MaxTokens: maxTokens}
	}
	return state, true, nil
}

// SaveConfig stores the session's model and token budget on its META# row.
func (c *Client) SaveConfig(ctx context.Context, sessionID string, cfg domain.RequestConfig) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(sessionID, skMeta),
		UpdateExpression:    aws.String("SET modelId = :model, maxTokens = :max, #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":model": &types.AttributeValueMemberS{Value: cfg.ModelID},
			":max":   &types.AttributeValueMemberN{Value: strconv.Itoa(cfg.MaxTokens)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConfig: %w", err)
	}
	return nil
}

// BeginTurn claims the session's turn and appends the user message at seq.
// It returns domain.ErrTurnConflict when another process holds an unexpired
// claim or the stored transcript is no longer seq messages long.
func (c *Client) BeginTurn(ctx context.Context, sessionID string, seq int, msg domain.ChatMessage) error {
	now := c.now()
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 itemKey(sessionID, skMeta),
					UpdateExpression:    aws.String("SET messages = :next, busy = :true, busySince = :now, #ttl = :ttl"),
					ConditionExpression: aws.String("messages = :seq AND (busy = :false OR busySince < :stale)"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":seq":   &types.AttributeValueMemberN{Value: strconv.Itoa(seq)},
						":next":  &types.AttributeValueMemberN{Value: strconv.Itoa(seq + 1)},
						":true":  &types.AttributeValueMemberBOOL{Value: true},
						":false": &types.AttributeValueMemberBOOL{Value: false},
						":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
						":stale": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(-c.busyTimeout).Unix(), 10)},
						":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
					},
				},
			},
			c.putMessage(sessionID, seq, msg),
		},
	})
	if err != nil {
		return turnError("BeginTurn", err)
	}
	return nil
}

// EndTurn releases the claim taken by BeginTurn. A non-nil reply is appended
// at seq in the same transaction; a failed turn passes nil.
func (c *Client) EndTurn(ctx context.Context, sessionID string, seq int, reply *domain.ChatMessage) error {
	count := seq
	if reply != nil {
		count = seq + 1
	}
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:           aws.String(c.tableName),
			Key:                 itemKey(sessionID, skMeta),
			UpdateExpression:    aws.String("SET messages = :count, busy = :false, #ttl = :ttl REMOVE busySince"),
			ConditionExpression: aws.String("messages = :seq AND busy = :true"),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":seq":   &types.AttributeValueMemberN{Value: strconv.Itoa(seq)},
				":count": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
				":true":  &types.AttributeValueMemberBOOL{Value: true},
				":false": &types.AttributeValueMemberBOOL{Value: false},
				":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
			},
		},
	}}
	if reply != nil {
		items = append(items, c.putMessage(sessionID, seq, *reply))
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return turnError("EndTurn", err)
	}
	return nil
}

// turnError maps a failed condition inside a transaction to
// domain.ErrTurnConflict.
func turnError(op string, err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("repository: %s: %w", op, domain.ErrTurnConflict)
			}
		}
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

// itemToMessage converts a MSG# row to its transcript position and message.
func itemToMessage(sk string, item map[string]types.AttributeValue) (int, domain.ChatMessage, error) {
	seq, err := strconv.Atoi(strings.TrimPrefix(sk, skPrefixMsg))
	if err != nil {
		return 0, domain.ChatMessage{}, fmt.Errorf("repository: bad message key %q: %w", sk, err)
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return 0, domain.ChatMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return 0, domain.ChatMessage{}, err
	}
	return seq, domain.ChatMessage{Role: domain.Role(role), Content: content}, nil
}
