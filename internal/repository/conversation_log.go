package repository

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"chat-relay/internal/domain"
)

func logPK(key domain.LogKey) string {
	return "LOG#" + key.Tenant + "#" + key.UserID
}

func logSK(key domain.LogKey) string {
	return "SESSION#" + key.BusinessSessionID
}

// Upsert creates or updates the log record for key, sets fields and appends
// pair to its question/answer list. The (tenant, user, business session)
// triple is the item key, so repeated calls never create a second record.
func (c *Client) Upsert(ctx context.Context, key domain.LogKey, fields domain.LogFields, pair domain.QAPair) (domain.ConversationLog, error) {
	if key.UserID == "" || key.BusinessSessionID == "" {
		return domain.ConversationLog{}, errors.New("repository: Upsert: user and business session id are required")
	}
	summaryExpr := "summary = :summary"
	if fields.KeepSummary {
		summaryExpr = "summary = if_not_exists(summary, :summary)"
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyOf(logPK(key), logSK(key)),
		UpdateExpression: aws.String("SET tenant = :tenant, userId = :user, businessSessionId = :biz, " +
			"scenarioId = :scenario, " + summaryExpr + ", deleted = :deleted, updatedAt = :now, " +
			"pairs = list_append(if_not_exists(pairs, :empty), :pair)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenant":   &types.AttributeValueMemberS{Value: key.Tenant},
			":user":     &types.AttributeValueMemberS{Value: key.UserID},
			":biz":      &types.AttributeValueMemberS{Value: key.BusinessSessionID},
			":scenario": &types.AttributeValueMemberS{Value: fields.ScenarioID},
			":summary":  &types.AttributeValueMemberS{Value: fields.Summary},
			":deleted":  &types.AttributeValueMemberBOOL{Value: fields.Deleted},
			":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			":empty":    &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":pair":     &types.AttributeValueMemberL{Value: []types.AttributeValue{pairItem(pair)}},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.ConversationLog{}, errors.Wrap(err, "repository: Upsert")
	}
	if out == nil {
		return domain.ConversationLog{LogKey: key, ScenarioID: fields.ScenarioID, Summary: fields.Summary, Deleted: fields.Deleted}, nil
	}
	return itemToLog(key, out.Attributes), nil
}

func pairItem(p domain.QAPair) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"question": &types.AttributeValueMemberS{Value: p.Question},
		"answer":   &types.AttributeValueMemberS{Value: p.Answer},
	}}
}

func itemToLog(key domain.LogKey, item map[string]types.AttributeValue) domain.ConversationLog {
	rec := domain.ConversationLog{
		LogKey:     key,
		ScenarioID: optStr(item, "scenarioId"),
		Summary:    optStr(item, "summary"),
		Deleted:    boolAttr(item, "deleted"),
		UpdatedAt:  optStr(item, "updatedAt"),
	}
	list, ok := item["pairs"].(*types.AttributeValueMemberL)
	if !ok {
		return rec
	}
	for _, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			continue
		}
		rec.Pairs = append(rec.Pairs, domain.QAPair{
			Question: optStr(m.Value, "question"),
			Answer:   optStr(m.Value, "answer"),
		})
	}
	return rec
}
