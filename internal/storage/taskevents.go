package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// 事件流最大长度
const maxStreamLength = 10000

// TaskEventType 任务事件类型
type TaskEventType string

const (
	TaskAccepted  TaskEventType = "accepted"
	TaskCompleted TaskEventType = "completed"
)

// TaskEvent 调度器发布的任务生命周期事件
type TaskEvent struct {
	ID         string        `json:"id"`
	Type       TaskEventType `json:"type"`
	InstanceID string        `json:"instance_id"`
	TaskID     string        `json:"task_id,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// PublishTaskEvent 发布任务事件（调度器侧调用）
func (s *RedisStore) PublishTaskEvent(ctx context.Context, stream string, event *TaskEvent) (string, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]any{
			"type":        string(event.Type),
			"instance_id": event.InstanceID,
			"task_id":     event.TaskID,
			"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish task event: %w", err)
	}
	return id, nil
}

// ReadTaskEvents 读取 lastID 之后的事件，最多阻塞 block；超时返回空切片
func (s *RedisStore) ReadTaskEvents(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]*TaskEvent, error) {
	if lastID == "" {
		lastID = "$"
	}
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task events: %w", err)
	}

	var events []*TaskEvent
	for _, st := range streams {
		for _, msg := range st.Messages {
			events = append(events, parseTaskEvent(msg))
		}
	}
	return events, nil
}

// ConsumeTaskEvents 持续消费新事件，直到 ctx 取消
//
// 读取失败时等待 backoff 后重试；handler 按事件顺序同步调用。
func (s *RedisStore) ConsumeTaskEvents(ctx context.Context, stream string, handler func(*TaskEvent)) error {
	const backoff = time.Second
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := s.ReadTaskEvents(ctx, stream, lastID, 100, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Redis] Task event stream error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		for _, e := range events {
			handler(e)
			lastID = e.ID
		}
	}
}

func parseTaskEvent(msg redis.XMessage) *TaskEvent {
	e := &TaskEvent{ID: msg.ID}
	if v, ok := msg.Values["type"].(string); ok {
		e.Type = TaskEventType(v)
	}
	if v, ok := msg.Values["instance_id"].(string); ok {
		e.InstanceID = v
	}
	if v, ok := msg.Values["task_id"].(string); ok {
		e.TaskID = v
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}
	return e
}
