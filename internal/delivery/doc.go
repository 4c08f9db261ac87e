// Package delivery routes scored events to notification channels.
//
// A Router maps tiers to named channels per profile. Each channel runs a
// bounded Queue that drops oldest on overflow, skips stale messages, rate
// limits sends and pauses through a circuit Breaker when the channel keeps
// failing. Channel clients (webhook, telegram) only send; retry and pacing
// policy lives in the queue.
package delivery
