// Package interest scores kill events and decides their notification tier.
//
// Scoring is pure and synchronous: Evaluate maps (event, detail, config) to an
// InterestResult with full per-category and per-signal breakdowns, because
// every terminal decision must be explainable to the operator on demand.
//
// The prefetch scorer bounds the final score using only signals that work
// without enrichment detail, so workers can skip paying for an expensive
// upstream fetch when the event cannot plausibly clear the notification
// thresholds.
package interest
