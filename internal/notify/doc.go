// Package notify delivers out-of-band messages to users, such as a heads-up
// that a slow tool has started. Notifications are queued (memory, Redis list
// or RabbitMQ) and a Dispatcher worker pool fans them out to deliverers.
package notify
