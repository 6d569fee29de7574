// Package messaging implements the zula conventions for typed messaging over a
// topic broker.
//
// The package is built from a few cooperating parts:
//   - ResolveMessageType: maps a payload type to its canonical message type
//   - TopologyManager: derives exchange and queue names and declares them once
//   - IdentityAssigner: guarantees every outbound payload has a request id
//   - MessagePublisher: resolve, identify, provision, record and send
//   - HandlerRegistry: binds a message type and handler to a service queue
//
// Naming follows a fixed scheme. For service "billing" and message type
// "ordercreated" with the default options:
//
//	exchange:    ordercreated-exchange  (topic, durable)
//	queue:       zula.billing.ordercreated (bound with "#")
//	routing key: ordercreated.process
//
// Example usage:
//
//	topology := messaging.NewTopologyManager(broker, messaging.DefaultTopologyOptions())
//	publisher := messaging.NewMessagePublisher("orders", broker, topology)
//	id, err := publisher.PublishToService(ctx, "billing", &OrderCreated{},
//		messaging.WithAction("create"))
//
//	registry := messaging.NewHandlerRegistry("billing", broker, topology)
//	reg, err := messaging.Handle(ctx, registry, func(ctx context.Context, msg OrderCreated) error {
//		return nil
//	})
//	defer reg.Stop()
//
// Inbox and outbox bookkeeping is delegated to a Ledger. Ledger failures never
// fail a publish or a delivery; they are logged and counted.
package messaging
