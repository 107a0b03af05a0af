package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Pod coordination & health management. These methods let several relay
// pods observe each other's liveness and reclaim stale room reservations.

// RegisterPod registers this pod in the pod registry with an initial
// heartbeat.
func (c *Client) RegisterPod(ctx context.Context, version string) error {
	podInfo := PodInfo{
		PodID:         c.podID,
		StartTime:     time.Now(),
		LastHeartbeat: time.Now(),
		RoomCount:     0,
		Version:       version,
	}

	data, err := json.Marshal(podInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal pod info: %w", err)
	}

	// Store pod info with 30 second TTL (refreshed by heartbeat)
	if err := c.rdb.Set(ctx, fmt.Sprintf("pod:%s:info", c.podID), data, 30*time.Second).Err(); err != nil {
		return fmt.Errorf("failed to register pod: %w", err)
	}

	if err := c.rdb.SAdd(ctx, "pods:active", c.podID).Err(); err != nil {
		return fmt.Errorf("failed to add pod to active set: %w", err)
	}

	return nil
}

// Heartbeat signals this pod is still alive. Should be called
// periodically (e.g. every 10 seconds).
func (c *Client) Heartbeat(ctx context.Context, roomCount int, version string) error {
	podInfo := PodInfo{
		PodID:         c.podID,
		LastHeartbeat: time.Now(),
		RoomCount:     roomCount,
		Version:       version,
	}

	// Preserve StartTime if it exists
	existingData, err := c.rdb.Get(ctx, fmt.Sprintf("pod:%s:info", c.podID)).Result()
	if err == nil {
		var existing PodInfo
		if err := json.Unmarshal([]byte(existingData), &existing); err == nil {
			podInfo.StartTime = existing.StartTime
		}
	}

	data, err := json.Marshal(podInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal pod info: %w", err)
	}

	// Refresh TTL to 30 seconds
	if err := c.rdb.Set(ctx, fmt.Sprintf("pod:%s:info", c.podID), data, 30*time.Second).Err(); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	event := Event{
		Type: "POD_HEARTBEAT",
		Data: map[string]interface{}{
			"pod_id":     c.podID,
			"room_count": roomCount,
			"version":    version,
		},
	}
	// Don't fail on publish error - the heartbeat is still recorded.
	_ = c.PublishEvent(ctx, event)

	return nil
}

// GetActivePods returns all pods that have sent a heartbeat recently.
func (c *Client) GetActivePods(ctx context.Context) ([]PodInfo, error) {
	podIDs, err := c.rdb.SMembers(ctx, "pods:active").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active pods: %w", err)
	}

	var pods []PodInfo
	now := time.Now()

	for _, podID := range podIDs {
		data, err := c.rdb.Get(ctx, fmt.Sprintf("pod:%s:info", podID)).Result()
		if err == goredis.Nil {
			// Pod info expired, remove from active set
			c.rdb.SRem(ctx, "pods:active", podID)
			continue
		}
		if err != nil {
			continue // Skip this pod
		}

		var podInfo PodInfo
		if err := json.Unmarshal([]byte(data), &podInfo); err != nil {
			continue
		}

		if now.Sub(podInfo.LastHeartbeat) < 60*time.Second {
			pods = append(pods, podInfo)
		} else {
			// Pod is stale, remove from active set
			c.rdb.SRem(ctx, "pods:active", podID)
		}
	}

	return pods, nil
}

// FindOrphanedRooms finds room reservations whose owning pod is no longer
// active, e.g. after a crash that skipped the graceful shutdown path.
func (c *Client) FindOrphanedRooms(ctx context.Context) ([]RoomData, error) {
	activePods, err := c.GetActivePods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get active pods: %w", err)
	}

	activePodMap := make(map[string]bool)
	for _, pod := range activePods {
		activePodMap[pod.PodID] = true
	}

	keys, err := c.rdb.Keys(ctx, "room:*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room keys: %w", err)
	}

	var orphaned []RoomData
	for _, key := range keys {
		data, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var room RoomData
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			continue
		}

		if !activePodMap[room.PodID] {
			orphaned = append(orphaned, room)
		}
	}

	return orphaned, nil
}

// CleanupOrphanedRooms deletes reservations left behind by dead pods and
// returns the number reclaimed. Run by the leader pod only.
func (c *Client) CleanupOrphanedRooms(ctx context.Context) (int, error) {
	orphaned, err := c.FindOrphanedRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned rooms: %w", err)
	}

	count := 0
	for _, room := range orphaned {
		pipe := c.rdb.Pipeline()
		pipe.Del(ctx, fmt.Sprintf("room:%d", room.ID))
		pipe.SRem(ctx, fmt.Sprintf("pod:%s:rooms", room.PodID), room.ID)

		if _, err := pipe.Exec(ctx); err != nil {
			// Log-and-continue is the caller's job; just skip it here.
			continue
		}
		count++
	}

	return count, nil
}

// AcquireLeaderLock attempts to acquire the distributed leader lock used
// to elect the pod that runs orphan cleanup. The TTL prevents deadlocks
// if the leader crashes.
func (c *Client) AcquireLeaderLock(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := c.rdb.SetNX(ctx, "lock:leader", c.podID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return result, nil
}

// ReleaseLeaderLock releases the leader lock if this pod holds it.
// Uses a Lua script to ensure atomicity (only delete if we own it).
func (c *Client) ReleaseLeaderLock(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := c.rdb.Eval(ctx, script, []string{"lock:leader"}, c.podID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
