// Package notifications delivers run alerts to an external webhook.
//
// The default implementation posts a JSON document to the URL configured in
// config.toml (or WEBHOOK_URL) whenever a run reaches COMPLETED or FAILED, and
// degrades to a no-op when no URL is set. Delivery is best effort: callers
// log failures and never let them change a run's outcome.
package notifications
