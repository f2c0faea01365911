// Package events routes equipment messages to subscribed consumers.
//
// A consumer registers interest with a Subscription: a message type key, a
// Filter over the message body and a Handler. The Manager places one
// Registration per subscription in a Table keyed by type key. Dispatching a
// message takes a snapshot of the registrations for its key and runs each of
// them on its own goroutine, so a slow or failing consumer never holds up the
// others or the message source.
//
// Handlers that implement Proxy are treated as remote consumers. They get a
// lease that is kept alive through Proxy.Ping, and when marked Recoverable
// they follow a small state machine:
//
//	Subscribed --Disconnect--> Recovering --RecoverComplete--> Subscribed
//	     \                          |
//	      `------ Dispose ----------`--> Disposed
//
// While Recovering, the live registration is swapped for one that writes
// matching events to a durable queue at transport://<client>/<id>. The
// consumer drains that queue itself after it reconnects.
package events
