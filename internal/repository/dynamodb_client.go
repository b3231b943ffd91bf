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

	"persona-agent/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	// Fixed width so sort keys order lexicographically by time.
	sortTimeLayout = "2006-01-02T15:04:05.000000000Z"
	// Upper bound on items requested by one ListTurns query.
	maxQueryLimit = 1000
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding the turn log.
//
// Each correspondent is one partition: TURN# items sorted by creation time
// and a single META# item with the running turn count and last activity.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// corrPK returns the partition key for a correspondent.
func corrPK(correspondentID string) string {
	return "CORR#" + correspondentID
}

// turnSK returns the sort key for a turn. The turn id suffix keeps keys unique
// when two turns share a timestamp.
func turnSK(ts time.Time, turnID string) string {
	return skPrefixTurn + ts.UTC().Format(sortTimeLayout) + "#" + turnID
}

// AppendTurn writes the turn and bumps the correspondent metadata in one
// transaction. The turn put is conditional so a turn is never overwritten.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	pk := corrPK(turn.CorrespondentID)
	activity := turn.CreatedAt.UTC().Format(sortTimeLayout)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("ADD turns :one SET correspondentId = :cid, lastActivity = :ts"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":cid": &types.AttributeValueMemberS{Value: turn.CorrespondentID},
						":ts":  &types.AttributeValueMemberS{Value: activity},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// LoadRecentTurns returns up to limit of the newest turns, oldest first.
func (c *Client) LoadRecentTurns(ctx context.Context, correspondentID string, limit int) ([]domain.Turn, error) {
	limit = recentLimit(limit)

	out, err := c.api.Query(ctx, c.turnQuery(correspondentID, int32(limit), nil))
	if err != nil {
		return nil, fmt.Errorf("repository: LoadRecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		if len(turns) == limit {
			break
		}
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadRecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	reverseTurns(turns)
	return turns, nil
}

// ListTurns returns one page of a correspondent's history, newest first.
func (c *Client) ListTurns(ctx context.Context, correspondentID string, page, pageSize int) (domain.Page, error) {
	page, pageSize = normalizePage(page, pageSize)

	total, err := c.turnCount(ctx, correspondentID)
	if err != nil {
		return domain.Page{}, err
	}

	result := domain.Page{Page: page, PageSize: pageSize, Total: total, Turns: []domain.Turn{}}
	skip, ok := pageOffset(page, pageSize)
	if !ok || skip >= total {
		return result, nil
	}

	// Walk the partition newest first, discarding the turns of earlier pages.
	seen := 0
	var startKey map[string]types.AttributeValue
	for len(result.Turns) < pageSize {
		limit := min(skip+pageSize-seen, maxQueryLimit)
		out, err := c.api.Query(ctx, c.turnQuery(correspondentID, int32(limit), startKey))
		if err != nil {
			return domain.Page{}, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			if len(result.Turns) == pageSize {
				break
			}
			seen++
			if seen <= skip {
				continue
			}
			turn, err := itemToTurn(item)
			if err != nil {
				return domain.Page{}, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			result.Turns = append(result.Turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return result, nil
}

// Stats scans every correspondent META# item.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("SK = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: skMeta},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return domain.Stats{}, fmt.Errorf("repository: Stats scan: %w", err)
		}
		for _, item := range out.Items {
			turns, err := intAttr(item, "turns")
			if err != nil {
				return domain.Stats{}, fmt.Errorf("repository: Stats decode turns: %w", err)
			}
			stats.TotalTurns += turns
			stats.Correspondents++

			raw, err := strAttr(item, "lastActivity")
			if err != nil {
				continue
			}
			ts, err := time.Parse(sortTimeLayout, raw)
			if err != nil {
				return domain.Stats{}, fmt.Errorf("repository: Stats decode lastActivity: %w", err)
			}
			if stats.LastActivity == nil || ts.After(*stats.LastActivity) {
				stats.LastActivity = &ts
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return stats, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// turnCount returns the persisted turn count for a correspondent.
func (c *Client) turnCount(ctx context.Context, correspondentID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: corrPK(correspondentID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("repository: turnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: turnCount decode turns: %w", err)
	}
	return turns, nil
}

func (c *Client) turnQuery(correspondentID string, limit int32, startKey map[string]types.AttributeValue) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: corrPK(correspondentID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: startKey,
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: corrPK(turn.CorrespondentID)},
		"SK":              &types.AttributeValueMemberS{Value: turnSK(turn.CreatedAt, turn.ID)},
		"id":              &types.AttributeValueMemberS{Value: turn.ID},
		"correspondentId": &types.AttributeValueMemberS{Value: turn.CorrespondentID},
		"role":            &types.AttributeValueMemberS{Value: string(turn.Role)},
		"text":            &types.AttributeValueMemberS{Value: turn.Text},
		"createdAt":       &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(sortTimeLayout)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Turn{}, err
	}
	correspondentID, err := strAttr(item, "correspondentId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawCreated, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(sortTimeLayout, rawCreated)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}

	return domain.Turn{
		ID:              id,
		CorrespondentID: correspondentID,
		Role:            domain.Role(role),
		Text:            text,
		CreatedAt:       createdAt,
	}, nil
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
