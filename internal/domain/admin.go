package domain

import "time"

// ConsumerGroupInfo describes one consumer group of the statement queue. Lag is the
// number of statements not yet delivered to the group.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// ConsumerInfo describes one ingestion consumer. Idle is the time since its last read.
type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle_ns"`
}

// PendingMessageSummary counts statements delivered but not yet acknowledged.
type PendingMessageSummary struct {
	Total          int64            `json:"total"`
	FirstMessageID string           `json:"first_message_id,omitempty"`
	LastMessageID  string           `json:"last_message_id,omitempty"`
	ConsumerTotals map[string]int64 `json:"consumer_totals,omitempty"`
}

// PendingMessageDetail is one unacknowledged statement. TaskID and QueryHash are empty
// when the message was trimmed from the stream or its payload cannot be decoded.
type PendingMessageDetail struct {
	ID         string        `json:"id"`
	Consumer   string        `json:"consumer"`
	IdleTime   time.Duration `json:"idle_time_ns"`
	Deliveries int64         `json:"deliveries"`
	TaskID     string        `json:"task_id,omitempty"`
	QueryHash  string        `json:"query_hash,omitempty"`
}
