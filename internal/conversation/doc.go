// Package conversation provides the conversation lifecycle and live event
// fan-out on top of the store.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(store, notifier, provisioner, logger)
//
// Key operations:
//
//   - Create, Get, List: conversation records
//   - Start: created|stopped|error -> starting -> running via a runtime.Provisioner
//   - Stop: always ends in stopped and appends a status_update event
//   - AppendEvents: persist a batch, then publish each event in ascending id order
//   - SearchEvents, CountEvents, ReadWindow, BatchGetEvents: read paths
//
// Record first, then publish: a payload is only published after the batch
// that contains it has committed.
//
// # Notifiers
//
// A Notifier receives the JSON encoding of each stored event:
//
//   - EventBroadcaster: in-process subscribers, one bounded queue and one
//     delivery worker per subscription, each delivery under a timeout
//   - RedisNotifier: PUBLISH to "<prefix>:<conversation_id>" so other gateway
//     instances can feed their own broadcasters via Subscribe/Forward
//   - MultiNotifier: publish to several notifiers
//
// Delivery is best-effort. Full queues drop, failing sinks are logged, and
// the outcome is counted on the convo.notifier.* OpenTelemetry counters.
// Nothing is ever reported back to the append path. Subscribers that need a
// strict order across concurrent producers should order by event id.
package conversation
