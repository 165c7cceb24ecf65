package docdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cosmoblob/attachments/feed"
	"github.com/cosmoblob/attachments/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	itemSortKey         = "#item"
	attachmentSortKeyPx = "att#"

	tableCreateTimeout = 2 * time.Minute
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoCollection.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoOptions holds the table location and can be constructed from a URL.
// Example URLs:
//
//	dynamodb://attachments
//	dynamodb://attachments?region=eu-west-1
//	dynamodb://attachments?endpoint=http://localhost:8000
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string
}

func DynamoOptionsFromURL(tableURL string) (*DynamoOptions, error) {
	u, err := url.Parse(tableURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DynamoDB URL: %w", err)
	}

	if u.Scheme != "dynamodb" {
		return nil, fmt.Errorf("invalid DynamoDB URL scheme %q: must be dynamodb", u.Scheme)
	}

	opts := &DynamoOptions{
		Table:    u.Hostname(),
		Region:   u.Query().Get("region"),
		Endpoint: u.Query().Get("endpoint"),
	}

	if opts.Table == "" {
		return nil, fmt.Errorf("DynamoDB URL must name a table")
	}

	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	return opts, nil
}

// dynamoRecord is the single table layout: items use sort key "#item",
// attachments use "att#<attachment id>" under their item's partition.
type dynamoRecord struct {
	PK          string `dynamodbav:"pk"`
	SK          string `dynamodbav:"sk"`
	ContentType string `dynamodbav:"content_type,omitempty"`
	Size        int64  `dynamodbav:"size,omitempty"`
	Media       []byte `dynamodbav:"media,omitempty"`
}

// DynamoCollection implements Collection on a single DynamoDB table partitioned by item ID.
type DynamoCollection struct {
	client   DynamoAPI
	table    string
	pageSize int
}

// Ensure DynamoCollection implements the Collection interface
var _ Collection = (*DynamoCollection)(nil)

// NewDynamoCollection creates a DynamoCollection from a dynamodb:// URL using the
// default AWS credential chain.
func NewDynamoCollection(ctx context.Context, tableURL string, pageSize int) (*DynamoCollection, error) {
	opts, err := DynamoOptionsFromURL(tableURL)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug().
		Str("table", opts.Table).
		Str("region", opts.Region).
		Str("endpoint", opts.Endpoint).
		Msg("configured DynamoDB table")

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		// used for DynamoDB local or other compatible endpoints
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return NewDynamoCollectionWithClient(client, opts.Table, pageSize), nil
}

// NewDynamoCollectionWithClient wraps an existing client.
func NewDynamoCollectionWithClient(client DynamoAPI, table string, pageSize int) *DynamoCollection {
	return &DynamoCollection{
		client:   client,
		table:    table,
		pageSize: pageSize,
	}
}

// Init creates the table with on-demand billing if it does not exist and waits
// for it to become active.
func (c *DynamoCollection) Init(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "DynamoCollection.Init")
	defer span.End()

	span.SetAttributes(attribute.String("table", c.table))

	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return trace.NewError(span, "failed to describe table %s: %w", c.table, err)
	}

	log.Info().Str("table", c.table).Msg("creating table")

	_, err = c.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return trace.NewError(span, "failed to create table %s: %w", c.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(c.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)}, tableCreateTimeout); err != nil {
		return trace.NewError(span, "failed waiting for table %s: %w", c.table, err)
	}

	return nil
}

func (c *DynamoCollection) UpsertItem(ctx context.Context, item Item) error {
	ctx, span := trace.Start(ctx, "DynamoCollection.UpsertItem")
	defer span.End()

	if err := validateKeys(item.ID); err != nil {
		return err
	}

	span.SetAttributes(attribute.String("item_id", item.ID))

	if err := c.put(ctx, dynamoRecord{PK: item.ID, SK: itemSortKey}); err != nil {
		return trace.NewError(span, "failed to upsert item %s: %w", item.ID, err)
	}

	return nil
}

func (c *DynamoCollection) CreateAttachment(ctx context.Context, attachment Attachment, r io.Reader) error {
	ctx, span := trace.Start(ctx, "DynamoCollection.CreateAttachment")
	defer span.End()

	if err := validateKeys(attachment.ItemID, attachment.ID); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("item_id", attachment.ItemID),
		attribute.String("attachment_id", attachment.ID),
	)

	if _, err := c.get(ctx, attachment.ItemID, itemSortKey, "item"); err != nil {
		return err
	}

	media, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read attachment media: %w", err)
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	record := dynamoRecord{
		PK:          attachment.ItemID,
		SK:          attachmentSortKeyPx + attachment.ID,
		ContentType: contentType,
		Size:        int64(len(media)),
		Media:       media,
	}

	if err := c.put(ctx, record); err != nil {
		return trace.NewError(span, "failed to create attachment %s/%s: %w", attachment.ItemID, attachment.ID, err)
	}

	span.SetAttributes(attribute.Int64("bytes_transferred", record.Size))

	return nil
}

// ListItems scans the table for item records. The scan filter is applied after
// the page limit, so a page may be empty while still carrying a token.
func (c *DynamoCollection) ListItems(ctx context.Context, token feed.Token) (feed.Page[Item], error) {
	ctx, span := trace.Start(ctx, "DynamoCollection.ListItems")
	defer span.End()

	startKey, err := startKeyFromToken(token)
	if err != nil {
		return feed.Page[Item]{}, err
	}

	input := &dynamodb.ScanInput{
		TableName:            aws.String(c.table),
		FilterExpression:     aws.String("sk = :item"),
		ProjectionExpression: aws.String("pk, sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":item": &types.AttributeValueMemberS{Value: itemSortKey},
		},
		ExclusiveStartKey: startKey,
	}
	if c.pageSize > 0 {
		input.Limit = aws.Int32(int32(c.pageSize))
	}

	out, err := c.client.Scan(ctx, input)
	if err != nil {
		return feed.Page[Item]{}, trace.NewError(span, "failed to scan items: %w", err)
	}

	var records []dynamoRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return feed.Page[Item]{}, fmt.Errorf("failed to unmarshal items: %w", err)
	}

	page := feed.Page[Item]{}
	for _, record := range records {
		page.Items = append(page.Items, Item{ID: record.PK})
	}

	page.Next, err = tokenFromLastKey(out.LastEvaluatedKey)
	if err != nil {
		return feed.Page[Item]{}, err
	}

	span.SetAttributes(attribute.Int("items", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

func (c *DynamoCollection) ListAttachments(ctx context.Context, itemID string, token feed.Token) (feed.Page[Attachment], error) {
	ctx, span := trace.Start(ctx, "DynamoCollection.ListAttachments")
	defer span.End()

	if err := validateKeys(itemID); err != nil {
		return feed.Page[Attachment]{}, err
	}

	span.SetAttributes(attribute.String("item_id", itemID))

	startKey, err := startKeyFromToken(token)
	if err != nil {
		return feed.Page[Attachment]{}, err
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ProjectionExpression:   aws.String("pk, sk, content_type, #size"),
		ExpressionAttributeNames: map[string]string{
			"#size": "size",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: itemID},
			":prefix": &types.AttributeValueMemberS{Value: attachmentSortKeyPx},
		},
		ExclusiveStartKey: startKey,
	}
	if c.pageSize > 0 {
		input.Limit = aws.Int32(int32(c.pageSize))
	}

	out, err := c.client.Query(ctx, input)
	if err != nil {
		return feed.Page[Attachment]{}, trace.NewError(span, "failed to query attachments of %s: %w", itemID, err)
	}

	var records []dynamoRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return feed.Page[Attachment]{}, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}

	page := feed.Page[Attachment]{}
	for _, record := range records {
		page.Items = append(page.Items, Attachment{
			ItemID:      record.PK,
			ID:          strings.TrimPrefix(record.SK, attachmentSortKeyPx),
			ContentType: record.ContentType,
			Size:        record.Size,
		})
	}

	page.Next, err = tokenFromLastKey(out.LastEvaluatedKey)
	if err != nil {
		return feed.Page[Attachment]{}, err
	}

	span.SetAttributes(attribute.Int("attachments", len(page.Items)), attribute.Bool("more", page.More()))

	return page, nil
}

func (c *DynamoCollection) ReadAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, error) {
	ctx, span := trace.Start(ctx, "DynamoCollection.ReadAttachment")
	defer span.End()

	if err := validateKeys(itemID, attachmentID); err != nil {
		return nil, err
	}

	record, err := c.get(ctx, itemID, attachmentSortKeyPx+attachmentID, "attachment")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("bytes_transferred", int64(len(record.Media))))

	return bytes.Clone(record.Media), nil
}

func (c *DynamoCollection) DeleteAttachment(ctx context.Context, itemID, attachmentID string) error {
	ctx, span := trace.Start(ctx, "DynamoCollection.DeleteAttachment")
	defer span.End()

	if err := validateKeys(itemID, attachmentID); err != nil {
		return err
	}

	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.table),
		Key:                 recordKey(itemID, attachmentSortKeyPx+attachmentID),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return &NotFoundError{Kind: "attachment", Key: itemID + "/" + attachmentID}
		}
		return trace.NewError(span, "failed to delete attachment %s/%s: %w", itemID, attachmentID, err)
	}

	return nil
}

// Close is a no-op, the AWS client holds no connections that need releasing.
func (c *DynamoCollection) Close() error {
	return nil
}

func (c *DynamoCollection) put(ctx context.Context, record dynamoRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	return err
}

func (c *DynamoCollection) get(ctx context.Context, pk, sk, kind string) (*dynamoRecord, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       recordKey(pk, sk),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, pk, err)
	}

	if len(out.Item) == 0 {
		key := pk
		if kind != "item" {
			key = pk + "/" + strings.TrimPrefix(sk, attachmentSortKeyPx)
		}
		return nil, &NotFoundError{Kind: kind, Key: key}
	}

	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}

	return &record, nil
}

func recordKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func tokenFromLastKey(lastKey map[string]types.AttributeValue) (feed.Token, error) {
	if len(lastKey) == 0 {
		return "", nil
	}

	var position map[string]string
	if err := attributevalue.UnmarshalMap(lastKey, &position); err != nil {
		return "", fmt.Errorf("failed to read last evaluated key: %w", err)
	}

	return encodeToken(position)
}

func startKeyFromToken(token feed.Token) (map[string]types.AttributeValue, error) {
	position, err := decodeToken(token)
	if err != nil || position == nil {
		return nil, err
	}

	startKey, err := attributevalue.MarshalMap(position)
	if err != nil {
		return nil, fmt.Errorf("failed to build exclusive start key: %w", err)
	}

	return startKey, nil
}
