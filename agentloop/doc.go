// Package agentloop implements the stateful tool-calling loop behind the
// itinerary assistant.
//
// A Controller runs one user turn at a time per session. It alternates a
// Decision Step (one model call over the full history, prefixed with the
// profile's system directive) and a Dispatch Step (every requested tool
// call, run concurrently, results appended in request order) until the
// model returns a plain answer or the superstep bound is reached.
//
// # Architecture
//
//   - Message and ConversationState: the append-only log of one session.
//     Reduce merges new messages into it, replacing by message id.
//   - SessionStore: owns the logs, keyed by SessionIdentity, and serializes
//     turns per key. MemoryStore is the volatile default.
//   - ToolRegistry: the named, schema-described tools the model may call.
//     NewTool derives a schema from a Go struct.
//   - Decider and Dispatcher: the two steps, each bounded by a timeout.
//   - EventSink: typed events for hosts (ChannelSink, MultiSink).
//
// # Quick Start
//
//	reg := agentloop.NewToolRegistry()
//	reg.Register(agentloop.NewTool("search_hotels", "Search hotels", searchHotels))
//
//	ctrl := agentloop.NewController(client, reg, agentloop.NewMemoryStore(),
//	    agentloop.Profile{Model: "gpt-4o-mini", Directive: directive},
//	    agentloop.DefaultConfig())
//
//	res, err := ctrl.Run(ctx, agentloop.SessionIdentity{UserID: "u1", SessionID: "s1"},
//	    "What hotels are in Paris?")
package agentloop
