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

	"dungeon-agent/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skPrefixChar = "CHAR#"
	skLease      = "LEASE"
	// Fixed-width so that sort keys order lexically by time.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// skOpening carries the zero time so the opening sorts before every turn.
var skOpening = turnSK(time.Time{}, "OPENING")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores turns and characters in a single DynamoDB table.
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

func threadPK(threadID domain.ThreadID) string {
	return "THREAD#" + string(threadID)
}

func userPK(userID string) string {
	return "USER#" + userID
}

func turnSK(ts time.Time, id string) string {
	return skPrefixTurn + ts.UTC().Format(skTimeLayout) + "#" + id
}

// Append writes a new turn. The sort key embeds the creation time, which gives
// the per-thread ordering.
func (c *Client) Append(ctx context.Context, threadID domain.ThreadID, role domain.Role, content string) (domain.Turn, error) {
	if err := validateAppend(threadID, role); err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: nowFunc(),
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: Append: %w", err)
	}
	return turn, nil
}

// AppendOpening writes the opening turn under a fixed sort key, so a second
// opening of the thread fails the put condition.
func (c *Client) AppendOpening(ctx context.Context, threadID domain.ThreadID, content string) (domain.Turn, error) {
	if err := validateAppend(threadID, domain.RoleAI); err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      domain.RoleAI,
		Content:   content,
		CreatedAt: nowFunc(),
	}
	item := turnItem(turn)
	item["SK"] = &types.AttributeValueMemberS{Value: skOpening}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return domain.Turn{}, fmt.Errorf("repository: AppendOpening: %w", ErrThreadOpened)
	}
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendOpening: %w", err)
	}
	return turn, nil
}

// AcquireLease takes the thread lease item when it is absent or expired.
// expiresAt guards the takeover; ttl is the table's TTL attribute so stale
// items are eventually removed.
func (c *Client) AcquireLease(ctx context.Context, threadID domain.ThreadID, owner string, ttl time.Duration) (bool, error) {
	if err := validateLease(threadID, owner, ttl); err != nil {
		return false, err
	}
	now := nowFunc()
	expires := now.Add(ttl)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK":        &types.AttributeValueMemberS{Value: skLease},
			"owner":     &types.AttributeValueMemberS{Value: owner},
			"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
			"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: AcquireLease: %w", err)
	}
	return true, nil
}

// ReleaseLease deletes the lease item if owner still holds it.
func (c *Client) ReleaseLease(ctx context.Context, threadID domain.ThreadID, owner string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skLease},
		},
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: ReleaseLease: %w", err)
	}
	return nil
}

// ListByThread queries every turn of a thread in chronological order.
func (c *Client) ListByThread(ctx context.Context, threadID domain.ThreadID) ([]domain.Turn, error) {
	var (
		turns []domain.Turn
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListByThread query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListByThread unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		start = out.LastEvaluatedKey
	}
}

// MostRecent reads the thread newest first and returns the first turn of role.
// The role filter is applied after Limit, so pages are followed until a match
// or the end of the thread.
func (c *Client) MostRecent(ctx context.Context, threadID domain.ThreadID, role domain.Role) (domain.Turn, bool, error) {
	var start map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			FilterExpression:       aws.String("#role = :role"),
			ExpressionAttributeNames: map[string]string{
				"#role": "role",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
				":role":   &types.AttributeValueMemberS{Value: string(role)},
			},
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(10),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return domain.Turn{}, false, fmt.Errorf("repository: MostRecent query: %w", err)
		}
		if len(out.Items) > 0 {
			turn, err := itemToTurn(out.Items[0])
			if err != nil {
				return domain.Turn{}, false, fmt.Errorf("repository: MostRecent unmarshal: %w", err)
			}
			return turn, true, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return domain.Turn{}, false, nil
		}
		start = out.LastEvaluatedKey
	}
}

// GetCharacter reads a character record owned by userID.
func (c *Client) GetCharacter(ctx context.Context, userID, characterID string) (domain.Character, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skPrefixChar + characterID},
		},
	})
	if err != nil {
		return domain.Character{}, fmt.Errorf("repository: GetCharacter get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Character{}, fmt.Errorf("repository: GetCharacter %q: %w", characterID, ErrNotFound)
	}
	ch, err := itemToCharacter(out.Item)
	if err != nil {
		return domain.Character{}, fmt.Errorf("repository: GetCharacter decode: %w", err)
	}
	ch.UserID = userID
	ch.ID = characterID
	return ch, nil
}

// PutCharacter writes or replaces a character record.
func (c *Client) PutCharacter(ctx context.Context, ch domain.Character) error {
	if err := validateCharacter(ch); err != nil {
		return err
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      characterItem(ch),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCharacter: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (c *Client) Close() error {
	return nil
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(t.ThreadID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(t.CreatedAt, t.ID)},
		"id":        &types.AttributeValueMemberS{Value: t.ID},
		"threadId":  &types.AttributeValueMemberS{Value: string(t.ThreadID)},
		"role":      &types.AttributeValueMemberS{Value: string(t.Role)},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt.UnixNano(), 10)},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Turn{}, err
	}
	threadID, err := strAttr(item, "threadId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	created, err := int64Attr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		ID:        id,
		ThreadID:  domain.ThreadID(threadID),
		Role:      domain.Role(role),
		Content:   content,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

func characterItem(ch domain.Character) map[string]types.AttributeValue {
	n := func(v int) types.AttributeValue {
		return &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
	}
	s := func(v string) types.AttributeValue {
		return &types.AttributeValueMemberS{Value: v}
	}
	return map[string]types.AttributeValue{
		"PK":            s(userPK(ch.UserID)),
		"SK":            s(skPrefixChar + ch.ID),
		"name":          s(ch.Name),
		"strength":      n(ch.Sheet.Strength),
		"dexterity":     n(ch.Sheet.Dexterity),
		"constitution":  n(ch.Sheet.Constitution),
		"intelligence":  n(ch.Sheet.Intelligence),
		"wisdom":        n(ch.Sheet.Wisdom),
		"charisma":      n(ch.Sheet.Charisma),
		"personality":   s(ch.Sheet.Personality),
		"backstory":     s(ch.Sheet.Backstory),
		"appearance":    s(ch.Sheet.Appearance),
		"proficiencies": s(ch.Sheet.Proficiencies),
	}
}

// itemToCharacter decodes a character item. Missing abilities take the
// default score and missing traits are empty.
func itemToCharacter(item map[string]types.AttributeValue) (domain.Character, error) {
	sheet := domain.NewCharacterSheet()
	abilities := []struct {
		key string
		dst *int
	}{
		{"strength", &sheet.Strength},
		{"dexterity", &sheet.Dexterity},
		{"constitution", &sheet.Constitution},
		{"intelligence", &sheet.Intelligence},
		{"wisdom", &sheet.Wisdom},
		{"charisma", &sheet.Charisma},
	}
	for _, a := range abilities {
		if _, ok := item[a.key]; !ok {
			continue
		}
		v, err := intAttr(item, a.key)
		if err != nil {
			return domain.Character{}, err
		}
		*a.dst = v
	}
	sheet.Personality, _ = strAttr(item, "personality")
	sheet.Backstory, _ = strAttr(item, "backstory")
	sheet.Appearance, _ = strAttr(item, "appearance")
	sheet.Proficiencies, _ = strAttr(item, "proficiencies")
	name, _ := strAttr(item, "name")
	return domain.Character{Name: name, Sheet: sheet}, nil
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, err := int64Attr(item, key)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
