package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"killfeed/internal/interest"
)

// Message is one notification queued toward a channel.
type Message struct {
	ID      string        `json:"id"`
	Profile string        `json:"profile"`
	KillID  int64         `json:"kill_id"`
	Tier    interest.Tier `json:"tier"`
	Subject string        `json:"subject"`
	Body    string        `json:"body"`

	CreatedAt time.Time `json:"created_at"`

	// Result carries the full scoring breakdown for channels that render it.
	Result *interest.InterestResult `json:"result,omitempty"`
}

// NewMessage stamps a fresh id and creation time.
func NewMessage(profile, subject, body string, res interest.InterestResult) Message {
	return Message{
		ID:        uuid.NewString(),
		Profile:   profile,
		KillID:    res.KillID,
		Tier:      res.Tier,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
		Result:    &res,
	}
}

// SendResult is a channel client's verdict on one send attempt.
type SendResult struct {
	Success     bool
	StatusCode  int
	RateLimited bool
	// RetryAfter is how long the queue should hold off after a rate limit.
	RetryAfter time.Duration
	Err        error
}

// Channel delivers messages somewhere. Implementations perform their own
// bounded retries for transient upstream errors but return rate limits
// immediately so the queue can reschedule.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) SendResult
}

// Deduper suppresses duplicate deliveries of the same kill per scope.
// storage.Store satisfies it.
type Deduper interface {
	IsProcessed(ctx context.Context, scope string, killID int64) (bool, error)
	MarkProcessed(ctx context.Context, scope string, killID int64) error
}
