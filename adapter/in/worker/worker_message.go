package worker

import (
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Message is a queue delivery travelling through the pool.
type Message struct {
	out.Delivery
	Retries    int // in-process retries already spent
	ReceivedAt time.Time
}

func NewMessage(d out.Delivery) *Message {
	return &Message{Delivery: d, ReceivedAt: time.Now()}
}

func (m *Message) Kind() domain.JobKind {
	return m.Job.Kind()
}

func (m *Message) JobID() string {
	if m.Job == nil {
		return ""
	}
	return m.Job.ID
}

// Attempts counts executions so far, including the current one. Every
// earlier delivery of the entry counts as at least one execution.
func (m *Message) Attempts() int {
	earlier := 0
	if m.Deliveries > 1 {
		earlier = int(m.Deliveries - 1)
	}
	return earlier + m.Retries + 1
}
