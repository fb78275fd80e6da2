package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue Redis事件队列与分布式锁
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// EventMessage 发布给外部协作方（通知服务、看板推送）的事件
type EventMessage struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	LeaseID      uint                   `json:"lease_id"`
	ObligationID uint                   `json:"obligation_id,omitempty"`
	UserID       uint                   `json:"user_id,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Created      int64                  `json:"created"`
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// 锁只允许持有者释放
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisQueueWithClient(client, config.Prefix)
}

// NewRedisQueueWithClient 使用已有客户端
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "rentflow"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// GetClient 获取Redis客户端
func (q *RedisQueue) GetClient() *redis.Client {
	return q.client
}

// Publish 事件写入持久列表供下游消费，并广播到租约频道
func (q *RedisQueue) Publish(ctx context.Context, msg EventMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %v", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.EventsKey(), data)
	if msg.LeaseID != 0 {
		pipe.Publish(ctx, q.LeaseChannel(msg.LeaseID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("事件发布失败: %v", err)
	}
	return nil
}

// SubscribeLease 订阅单个租约的事件
func (q *RedisQueue) SubscribeLease(ctx context.Context, leaseID uint) *redis.PubSub {
	return q.client.Subscribe(ctx, q.LeaseChannel(leaseID))
}

// AcquireLock 获取带过期时间的锁，返回持有令牌
func (q *RedisQueue) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := q.client.SetNX(ctx, q.lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("获取锁失败: %v", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock 释放锁
func (q *RedisQueue) ReleaseLock(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, q.client, []string{q.lockKey(name)}, token).Err()
}

// EventsKey 事件列表键
func (q *RedisQueue) EventsKey() string {
	return fmt.Sprintf("%s:events", q.prefix)
}

// LeaseChannel 租约事件频道
func (q *RedisQueue) LeaseChannel(leaseID uint) string {
	return fmt.Sprintf("%s:lease:%d", q.prefix, leaseID)
}

func (q *RedisQueue) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", q.prefix, name)
}
