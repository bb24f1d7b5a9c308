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

const skProfile = "PROFILE"

var (
	ErrAccountNotFound = domain.ErrAccountNotFound
	ErrKeyFieldChanged = domain.ErrKeyFieldChanged
)

func userPK(id string) string {
	return "USER#" + id
}

// FindByID loads an account record.
func (c *Client) FindByID(ctx context.Context, id string) (domain.Account, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(userPK(id), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Account{}, errors.Wrap(err, "repository: FindByID get item")
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Account{}, ErrAccountNotFound
	}
	return itemToAccount(id, out.Item)
}

// UpdateKeyField replaces the account key field only while it still holds
// expected, so a grant directive is consumed by exactly one caller.
func (c *Client) UpdateKeyField(ctx context.Context, id, expected, value string) error {
	condition := "attribute_exists(PK) AND apiKey = :expected"
	if expected == "" {
		condition = "attribute_exists(PK) AND (attribute_not_exists(apiKey) OR apiKey = :expected)"
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(userPK(id), skProfile),
		UpdateExpression:    aws.String("SET apiKey = :value"),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value":    &types.AttributeValueMemberS{Value: value},
			":expected": &types.AttributeValueMemberS{Value: expected},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrKeyFieldChanged
		}
		return errors.Wrap(err, "repository: UpdateKeyField")
	}
	return nil
}

func itemToAccount(id string, item map[string]types.AttributeValue) (domain.Account, error) {
	acct := domain.Account{
		ID:           id,
		Email:        optStr(item, "email"),
		Tenant:       optStr(item, "tenant"),
		KeyField:     optStr(item, "apiKey"),
		Name:         optStr(item, "name"),
		Organization: optStr(item, "organization"),
		Industry:     -1,
		Role:         -1,
	}
	if _, ok := item["expire"]; ok {
		epoch, err := intAttr(item, "expire")
		if err != nil {
			return domain.Account{}, errors.Wrap(err, "repository: decode expire")
		}
		acct.Expire = time.Unix(int64(epoch), 0).UTC()
	}
	if _, ok := item["industry"]; ok {
		n, err := intAttr(item, "industry")
		if err != nil {
			return domain.Account{}, errors.Wrap(err, "repository: decode industry")
		}
		acct.Industry = n
	}
	if _, ok := item["role"]; ok {
		n, err := intAttr(item, "role")
		if err != nil {
			return domain.Account{}, errors.Wrap(err, "repository: decode role")
		}
		acct.Role = n
	}
	return acct, nil
}
