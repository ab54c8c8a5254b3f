package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Inspector reads queue contents for operators. It does not take part in
// any consumer group.
type Inspector struct {
	rdb *redis.Client
	pub *Publisher
}

func NewInspector(rdb *redis.Client, pub *Publisher) *Inspector {
	return &Inspector{rdb: rdb, pub: pub}
}

// List returns up to count messages stored in queue, oldest first.
func (i *Inspector) List(ctx context.Context, queue string, count int64) ([]Message, error) {
	xms, err := i.rdb.XRangeN(ctx, StreamKey(queue), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", queue, err)
	}
	out := make([]Message, 0, len(xms))
	for _, xm := range xms {
		out = append(out, messageFrom(queue, xm))
	}
	return out, nil
}

// Replay republishes the message id from queue to the exchange and routing
// key it was first published with, then deletes it from queue.
func (i *Inspector) Replay(ctx context.Context, queue, id string) (string, error) {
	xms, err := i.rdb.XRange(ctx, StreamKey(queue), id, id).Result()
	if err != nil {
		return "", fmt.Errorf("replay %s/%s: %w", queue, id, err)
	}
	if len(xms) == 0 {
		return "", fmt.Errorf("replay %s/%s: message not found", queue, id)
	}
	msg := messageFrom(queue, xms[0])
	if msg.Exchange == "" {
		return "", fmt.Errorf("replay %s/%s: message has no origin exchange", queue, id)
	}

	cid, err := i.pub.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Body)
	if err != nil {
		return "", err
	}
	if err := i.rdb.XDel(ctx, StreamKey(queue), id).Err(); err != nil {
		return cid, fmt.Errorf("replay %s/%s: delete: %w", queue, id, err)
	}
	return cid, nil
}

// Len returns the number of messages stored in queue. On a queue whose
// consumers delete on ack this is the backlog: messages not yet delivered
// plus those delivered but not acked.
func (i *Inspector) Len(ctx context.Context, queue string) (int64, error) {
	return i.rdb.XLen(ctx, StreamKey(queue)).Result()
}
