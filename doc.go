// *Courier* is a runtime for *resources*: addressable units of behaviour
// exchanging typed messages through `Channel`s, whether they live in the
// same process or not.
//
// ## How it works
//
// The first thing to do is to `Create` a `Node`. It owns a `Registry` of
// resources, each admitted under a unique id (`<node-name>/<uuid>`), and a
// data-plane listening for envelopes sent by other nodes.
//
// A resource is anything embedding `ResourceBase` and implementing `Post`.
// Once `Node.Spawn`ed, it can be reached through:
//
// * `LocalChannel`, envelopes are delivered on the agent work queue.
// * `SynchronousChannel`, envelopes are delivered on the caller goroutine.
// * `RemoteChannel`, envelopes are serialized and written to a peer over
// TCP, or QUIC when a `tls.Config` is given.
//
// Request/response is built on `Future`: it is itself a resource, so the
// receiver simply `Reply`s to the source of the envelope and the caller
// blocks on `Future.WaitUntilCompleted`. `FutureJoin` waits for several of
// them and `Multicast` fans an envelope out.
//
// Nodes MAY gossip with [`hashicorp/memberlist`][dep-mbl] so resources can
// be addressed by node name with `Node.RemoteOn`.
//
// ## Design Principles
//
// ### Anti-Fragile
//
// APIs MUST NOT model an *infallible* network: this doesn't exist. Remote
// sends are retried once on a fresh connection, then fail with a
// `*DeliveryError`. Blocking calls take a timeout and report it with a
// boolean, never by hanging.
//
// ### Uniform
//
// A sender SHOULD NOT care where its target lives. Every channel accepts the
// same `Envelope` and replies flow back through `Envelope.Source`, even
// across nodes.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package courier
