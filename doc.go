// Package courier is an RPC fabric for clustered services: a `Client` holding
// descriptors of remote servers proxies method calls to them, and a `Server`
// accepts framed connections and dispatches requests to local services.
//
// ## How it works
//
// Servers are pushed into a `Client` by the embedding application with
// `Client.AddServers`, `Client.RemoveServers` or `Client.ReplaceServers`: no
// discovery protocol is involved. A call is first routed to one server of the
// requested *server type* (see `RouterType`), then handed to the mail station
// which lazily opens a `Mailbox` to that server. Calls issued while the
// mailbox connects are queued and flushed in order once it is up.
//
// Before a request leaves, the `before` filters run, they may reject it or
// redirect it. Responses go through the `after` filters. Transport failures
// are handed to the failure policy selected with `WithFailMode`:
//
// * `FailFast` gives up immediately.
// * `FailOver` tries every other server of the type once.
// * `FailSafe` retries the same server with a linear backoff.
//
// On the wire, every frame is `[length][type][payload]` where the length is a
// base-128 varint (see `pkg/composer`). Payloads are encoded by a codec from
// `pkg/codec`: JSON by default, a compact binary codec relying on a code table
// pushed by the server in a handshake frame, or protobuf.
//
// Connections are plain TCP by default. `QUICTransport` carries each mailbox on
// its own QUIC connection instead, mTLS being strongly advised.
//
// Servers may also expose their services to foreign callers over JSON-RPC 2.0
// with `Server.HTTPHandler`.
package courier
