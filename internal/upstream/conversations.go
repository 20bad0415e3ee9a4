package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConversationsEndpoint lists an account's guest conversations.
const ConversationsEndpoint = "conversations"

// MessagesEndpoint is the message list of one conversation.
func MessagesEndpoint(conversationID int64) string {
	return "conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
}

// FetchConversationMessages fetches the messages of every conversation.
// Each conversation occupies one pool slot and pages through its messages
// sequentially. Results are flattened in completion order; any failure
// fails the whole call. Conversations without an id are skipped.
func (c *Client) FetchConversationMessages(ctx context.Context, conversations []json.RawMessage, accountID int64) ([]json.RawMessage, error) {
	ids := make([]int64, 0, len(conversations))
	skipped := 0
	for _, raw := range conversations {
		id, err := conversationID(raw)
		if err != nil {
			skipped++
			continue
		}
		ids = append(ids, id)
	}
	if skipped > 0 {
		c.log.Warn("skipping conversations without id",
			zap.Int64("account_id", accountID),
			zap.Int("skipped", skipped))
	}
	return c.FetchMessagesByConversation(ctx, accountID, ids)
}

// FetchMessagesByConversation is FetchConversationMessages for known ids.
func (c *Client) FetchMessagesByConversation(ctx context.Context, accountID int64, ids []int64) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	token, err := c.tokens.GetOrRefresh(ctx, accountID, "")
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	var (
		mu      sync.Mutex
		results []json.RawMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		if err := c.pool.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer c.pool.Release(1)
			msgs, err := c.fetchSequential(gctx, MessagesEndpoint(id), accountID, token, DefaultPageLimit)
			if err != nil {
				return fmt.Errorf("conversation %d: %w", id, err)
			}
			mu.Lock()
			results = append(results, msgs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.log.Debug("fetched conversation messages",
		zap.Int64("account_id", accountID),
		zap.Int("conversations", len(ids)),
		zap.Int("messages", len(results)))
	return results, nil
}

// FetchMessages lists the account's conversations and fetches all of their
// messages.
func (c *Client) FetchMessages(ctx context.Context, accountID int64) ([]json.RawMessage, error) {
	conversations, err := c.FetchPaginated(ctx, ConversationsEndpoint, accountID, DefaultPageLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return c.FetchConversationMessages(ctx, conversations, accountID)
}

func conversationID(raw json.RawMessage) (int64, error) {
	var conv struct {
		ID json.Number `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&conv); err != nil {
		return 0, err
	}
	if conv.ID == "" {
		return 0, errNoID
	}
	id, err := conv.ID.Int64()
	if err != nil || id == 0 {
		return 0, errNoID
	}
	return id, nil
}
