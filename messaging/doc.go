// Package messaging provides typed publish and subscribe contracts on top of
// the AMQP transport.
//
// One Publisher[T] or Subscriber[T] is created per payload type. They share
// the underlying transport publisher and subscriber, which are not generic;
// the payload type only decides how bodies are encoded and decoded.
//
// Example usage:
//
//	orders := messaging.NewPublisher[OrderCreated](client.Publisher())
//	err := orders.Publish(ctx, "orders", "created", OrderCreated{OrderID: "A1"})
//
//	sub := messaging.NewSubscriber[OrderCreated](client.NewSubscriber())
//	err = sub.Start(ctx, "billing", func(ctx context.Context, msg OrderCreated) (bool, error) {
//		md, _ := contracts.MetadataFromContext(ctx)
//		log.Printf("order %s (message %s)", msg.OrderID, md.MessageID)
//		return true, nil
//	})
package messaging
