// Package redis provides optional distributed coordination for running
// several relay pods against one shared room ID space: a cluster-wide room
// reservation index, pod liveness records and a cross-pod event stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client and provides relay coordination.
type Client struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	podID  string // Unique identifier for this relay pod
}

// RoomData is the record stored behind a room reservation.
type RoomData struct {
	ID       uint32    `json:"id"`
	PodID    string    `json:"pod_id"`
	OpenedAt time.Time `json:"opened_at"`
}

// Event is a cross-pod relay event.
type Event struct {
	Type string                 `json:"type"` // ROOM_OPENED, ROOM_CLOSED, POD_HEARTBEAT, POD_SHUTDOWN
	Data map[string]interface{} `json:"data"`
}

// PodInfo is the liveness record of one relay pod.
type PodInfo struct {
	PodID         string    `json:"pod_id"`
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RoomCount     int       `json:"room_count"`
	Version       string    `json:"version"`
}

const eventsChannel = "inkrelay:events"

// NewClient connects to Redis and verifies the connection.
func NewClient(redisURL string, podID string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	// Test connection with shorter timeout for faster failures
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:   rdb,
		podID: podID,
	}, nil
}

// PodID returns this pod's identifier, the one its events carry.
func (c *Client) PodID() string {
	return c.podID
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}
	return c.rdb.Close()
}

// ReserveRoom claims a room ID cluster-wide. It reports false when another
// pod already holds the ID, in which case the caller samples a new one.
func (c *Client) ReserveRoom(ctx context.Context, id uint32) (bool, error) {
	record := RoomData{ID: id, PodID: c.podID, OpenedAt: time.Now()}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal room data: %w", err)
	}

	claimed, err := c.rdb.SetNX(ctx, fmt.Sprintf("room:%d", id), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve room %d: %w", id, err)
	}
	if !claimed {
		return false, nil
	}

	if err := c.rdb.SAdd(ctx, fmt.Sprintf("pod:%s:rooms", c.podID), id).Err(); err != nil {
		return true, fmt.Errorf("failed to add room to pod set: %w", err)
	}

	event := Event{
		Type: "ROOM_OPENED",
		Data: map[string]interface{}{"room_id": id, "pod_id": c.podID},
	}
	// Don't fail the reservation on a publish error - it is informational.
	_ = c.PublishEvent(ctx, event)

	return true, nil
}

// ReleaseRoom frees a room ID after its host disconnects.
func (c *Client) ReleaseRoom(ctx context.Context, id uint32) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, fmt.Sprintf("room:%d", id))
	pipe.SRem(ctx, fmt.Sprintf("pod:%s:rooms", c.podID), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release room %d: %w", id, err)
	}

	event := Event{
		Type: "ROOM_CLOSED",
		Data: map[string]interface{}{"room_id": id, "pod_id": c.podID},
	}
	_ = c.PublishEvent(ctx, event)

	return nil
}

// GetRoom retrieves the reservation record for a room ID.
func (c *Client) GetRoom(ctx context.Context, id uint32) (*RoomData, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf("room:%d", id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("room not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	var room RoomData
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room data: %w", err)
	}

	return &room, nil
}

// GetPodRooms returns the room IDs hosted on this pod.
func (c *Client) GetPodRooms(ctx context.Context) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, fmt.Sprintf("pod:%s:rooms", c.podID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pod rooms: %w", err)
	}
	return members, nil
}

// PublishEvent publishes an event to all pods via Redis Pub/Sub.
func (c *Client) PublishEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// SubscribeEvents subscribes to events from other pods.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan *Event, error) {
	c.pubsub = c.rdb.Subscribe(ctx, eventsChannel)

	// Wait for subscription confirmation
	if _, err := c.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	eventChan := make(chan *Event)

	go func() {
		defer close(eventChan)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.pubsub.Channel():
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				eventChan <- &event
			}
		}
	}()

	return eventChan, nil
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GracefulShutdown releases every room this pod reserved and announces the
// shutdown, so other pods can hand the freed IDs out again.
func (c *Client) GracefulShutdown(ctx context.Context) error {
	rooms, err := c.GetPodRooms(ctx)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	for _, id := range rooms {
		pipe.Del(ctx, fmt.Sprintf("room:%s", id))
	}
	pipe.Del(ctx, fmt.Sprintf("pod:%s:rooms", c.podID))
	pipe.Del(ctx, fmt.Sprintf("pod:%s:info", c.podID))
	pipe.SRem(ctx, "pods:active", c.podID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clean up pod state: %w", err)
	}

	event := Event{
		Type: "POD_SHUTDOWN",
		Data: map[string]interface{}{"pod_id": c.podID},
	}
	if err := c.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish shutdown event: %w", err)
	}

	return nil
}
