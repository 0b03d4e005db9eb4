// Package httpserver is the event store's REST gateway: stream
// create/append/read as JSON request/response and subscriptions as
// Server-Sent Events, routed over an orchestrator.Orchestrator.
//
// Example:
//
//	orch := orchestrator.New(gateway, supervisor, lockMgr)
//	s := httpserver.New(orch, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
