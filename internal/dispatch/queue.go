// Package dispatch 负责把委派的子任务提案投递给目标智能体的工作协程。
package dispatch

import (
	"context"
)

// Handler 处理来自队列的提案 ID。
type Handler func(ctx context.Context, proposalID string) error

// Producer 负责向队列投递提案。
type Producer interface {
	Publish(ctx context.Context, proposalID string) error
	Close() error
}

// Consumer 负责从队列中消费提案。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
