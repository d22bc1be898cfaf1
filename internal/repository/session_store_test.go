package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"aha-chat/internal/domain"
)

func metaRow(id, messages string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"sessionId": &types.AttributeValueMemberS{Value: id},
		"messages":  &types.AttributeValueMemberN{Value: messages},
		"busy":      &types.AttributeValueMemberBOOL{Value: false},
	}
}

func msgRow(id string, seq int, role, content string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(seq)},
		"role":    &types.AttributeValueMemberS{Value: role},
		"content": &types.AttributeValueMemberS{Value: content},
	}
}

func conditionFailed() error {
	return &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}
}

func TestMsgSK_SortsInTranscriptOrder(t *testing.T) {
	require.Equal(t, "MSG#000000", msgSK(0))
	require.Equal(t, "MSG#000042", msgSK(42))
	require.Less(t, msgSK(9), msgSK(10))
}

func TestCreateSession_WritesMetaAndTranscript(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.CreateSession(context.Background(), domain.SessionState{
		ID:         "abc",
		Transcript: []domain.ChatMessage{{Role: domain.RoleSystem, Content: "be nice"}},
	})
	require.NoError(t, err)

	items := db.lastTransactInput.TransactItems
	require.Len(t, items, 2)

	meta := items[0].Put
	require.Equal(t, "test-table", *meta.TableName)
	require.Equal(t, "attribute_not_exists(PK)", *meta.ConditionExpression)
	require.Equal(t, "SESSION#abc", sAttr(t, meta.Item["PK"]))
	require.Equal(t, skMeta, sAttr(t, meta.Item["SK"]))
	require.Equal(t, "1", nAttr(t, meta.Item["messages"]))
	require.Equal(t, "1717839000", nAttr(t, meta.Item["ttl"]))
	require.NotContains(t, meta.Item, "modelId")

	msg := items[1].Put
	require.Equal(t, "MSG#000000", sAttr(t, msg.Item["SK"]))
	require.Equal(t, "system", sAttr(t, msg.Item["role"]))
	require.Equal(t, "be nice", sAttr(t, msg.Item["content"]))
}

func TestCreateSession_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.CreateSession(context.Background(), domain.SessionState{ID: " "})
	require.ErrorContains(t, err, "session id is required")

	c = mustNewClient(t, &fakeDynamo{transactErr: conditionFailed()})
	err = c.CreateSession(context.Background(), domain.SessionState{ID: "abc"})
	require.ErrorIs(t, err, domain.ErrTurnConflict)
}

func TestLoadSession_ReadsAllPages(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				{
					"PK":        &types.AttributeValueMemberS{Value: "SESSION#abc"},
					"SK":        &types.AttributeValueMemberS{Value: skActivity},
					"sessionId": &types.AttributeValueMemberS{Value: "abc"},
				},
				metaRow("abc", "3"),
				msgRow("abc", 0, "system", "be nice"),
			},
			LastEvaluatedKey: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: "SESSION#abc"},
				"SK": &types.AttributeValueMemberS{Value: msgSK(0)},
			},
		},
		{
			Items: []map[string]types.AttributeValue{
				msgRow("abc", 1, "user", "hi"),
				msgRow("abc", 2, "assistant", "hello"),
			},
		},
	}}
	meta := db.queryPages[0].Items[1]
	meta["modelId"] = &types.AttributeValueMemberS{Value: "llama3-8b-8192"}
	meta["maxTokens"] = &types.AttributeValueMemberN{Value: "2048"}
	c := mustNewClient(t, db)

	state, ok, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SessionState{
		ID: "abc",
		Transcript: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be nice"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello"},
		},
		Config: &domain.RequestConfig{ModelID: "llama3-8b-8192", MaxTokens: 2048},
	}, state)

	require.Len(t, db.queryInputs, 2)
	require.True(t, *db.queryInputs[0].ConsistentRead)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.Equal(t, msgSK(0), sAttr(t, db.queryInputs[1].ExclusiveStartKey["SK"]))
}

func TestLoadSession_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, ok, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.LoadSession(context.Background(), "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadSession_GapInTranscriptIsMissing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			metaRow("abc", "3"),
			msgRow("abc", 0, "system", "be nice"),
			msgRow("abc", 2, "assistant", "hello"),
		},
	}}})
	_, ok, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadSession_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, _, err := c.LoadSession(context.Background(), "abc")
	require.ErrorContains(t, err, "LoadSession query")

	c = mustNewClient(t, &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			metaRow("abc", "1"),
			{
				"PK": &types.AttributeValueMemberS{Value: "SESSION#abc"},
				"SK": &types.AttributeValueMemberS{Value: "MSG#x"},
			},
		},
	}}})
	_, _, err = c.LoadSession(context.Background(), "abc")
	require.ErrorContains(t, err, "bad message key")
}

func TestSaveConfig(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SaveConfig(context.Background(), "abc", domain.RequestConfig{ModelID: "llama3-70b-8192", MaxTokens: 4096})
	require.NoError(t, err)

	in := db.lastUpdateInput
	require.Equal(t, skMeta, sAttr(t, in.Key["SK"]))
	require.Equal(t, "attribute_exists(PK)", *in.ConditionExpression)
	require.Equal(t, "llama3-70b-8192", sAttr(t, in.ExpressionAttributeValues[":model"]))
	require.Equal(t, "4096", nAttr(t, in.ExpressionAttributeValues[":max"]))

	c = mustNewClient(t, &fakeDynamo{updateErr: errors.New("throttled")})
	err = c.SaveConfig(context.Background(), "abc", domain.RequestConfig{})
	require.ErrorContains(t, err, "SaveConfig")
}

func TestBeginTurn_ClaimsTurnAndAppendsMessage(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.BeginTurn(context.Background(), "abc", 3, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)

	items := db.lastTransactInput.TransactItems
	require.Len(t, items, 2)

	update := items[0].Update
	require.Equal(t, skMeta, sAttr(t, update.Key["SK"]))
	require.Equal(t, "messages = :seq AND (busy = :false OR busySince < :stale)", *update.ConditionExpression)
	require.Equal(t, "3", nAttr(t, update.ExpressionAttributeValues[":seq"]))
	require.Equal(t, "4", nAttr(t, update.ExpressionAttributeValues[":next"]))
	require.Equal(t, "1717234200", nAttr(t, update.ExpressionAttributeValues[":now"]))
	require.Equal(t, "1717233300", nAttr(t, update.ExpressionAttributeValues[":stale"]))

	put := items[1].Put
	require.Equal(t, "MSG#000003", sAttr(t, put.Item["SK"]))
	require.Equal(t, "user", sAttr(t, put.Item["role"]))
	require.Equal(t, "hi", sAttr(t, put.Item["content"]))
}

func TestBeginTurn_ConflictWhenConditionFails(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{transactErr: conditionFailed()})
	err := c.BeginTurn(context.Background(), "abc", 1, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"})
	require.ErrorIs(t, err, domain.ErrTurnConflict)

	c = mustNewClient(t, &fakeDynamo{transactErr: errors.New("throttled")})
	err = c.BeginTurn(context.Background(), "abc", 1, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrTurnConflict)
	require.ErrorContains(t, err, "throttled")
}

func TestEndTurn_WithReply(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	reply := domain.ChatMessage{Role: domain.RoleAssistant, Content: "hello"}
	require.NoError(t, c.EndTurn(context.Background(), "abc", 2, &reply))

	items := db.lastTransactInput.TransactItems
	require.Len(t, items, 2)
	update := items[0].Update
	require.Equal(t, "messages = :seq AND busy = :true", *update.ConditionExpression)
	require.Equal(t, "2", nAttr(t, update.ExpressionAttributeValues[":seq"]))
	require.Equal(t, "3", nAttr(t, update.ExpressionAttributeValues[":count"]))
	require.Equal(t, "MSG#000002", sAttr(t, items[1].Put.Item["SK"]))
	require.Equal(t, "hello", sAttr(t, items[1].Put.Item["content"]))
}

func TestEndTurn_WithoutReplyOnlyReleases(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.EndTurn(context.Background(), "abc", 2, nil))

	items := db.lastTransactInput.TransactItems
	require.Len(t, items, 1)
	require.Equal(t, "2", nAttr(t, items[0].Update.ExpressionAttributeValues[":count"]))

	c = mustNewClient(t, &fakeDynamo{transactErr: conditionFailed()})
	require.ErrorIs(t, c.EndTurn(context.Background(), "abc", 2, nil), domain.ErrTurnConflict)
}
