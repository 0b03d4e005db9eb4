// Package client provides the `eventstore` command-line client.
//
// The CLI talks to the event store's HTTP API to create and append to
// streams and to manage subscriptions from a terminal. It is primarily
// intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads it from the
// EVENTSTORE_HTTP environment variable, defaulting to
// http://127.0.0.1:8080.
//
// Usage
//
//	eventstore stream create --stream-id orders-123
//
//	eventstore stream append \
//	    --stream-id orders-123 \
//	    --event-type order.placed \
//	    --data '{"hello":"world"}' \
//	    --expected-version -1
//
//	eventstore stream read --stream-id orders-123 --from-version 0 --max-count 100
//
//	# Subscribe over Server-Sent Events; prints the assigned endpoint id
//	# on the first line, then each delivered event as it arrives.
//	eventstore subscription subscribe --stream-id orders-123 --name billing
//	eventstore subscription subscribe --stream-id orders-123 --name billing --start-from current
//	eventstore subscription subscribe --stream-id orders-123 --name billing --selector 'event_type == "order.placed"'
//	eventstore subscription subscribe --stream-id orders-123 --name billing --limit 5
//
//	# Ack and unsubscribe target the endpoint id printed by subscribe.
//	eventstore subscription ack --stream-id orders-123 --name billing --endpoint-id ENDPOINT_ID --event-number 42
//	eventstore subscription unsubscribe --stream-id orders-123 --name billing --endpoint-id ENDPOINT_ID
//
//	# Delete removes the subscription's durable watermark entirely.
//	eventstore subscription delete --stream-id orders-123 --name billing
//
// Notes
//
//   - subscribe holds the HTTP connection open and streams delivered
//     events until interrupted (Ctrl-C) or --limit is reached.
//   - selector, mapper, and partition_by accept CEL expressions and are
//     only honored on the first endpoint to connect to a given
//     subscription; later endpoints on the same subscription share them.
//   - unsubscribe disconnects one endpoint but leaves the subscription's
//     acknowledged watermark intact for a future reconnect; delete
//     removes the watermark permanently.
package client
