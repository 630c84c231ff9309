// Package nsqpool publishes messages on a *pool* of peers and decides,
// according to a delivery `Strategy`, whether the write succeeded.
//
// A `Pool` holds an ordered list of `Connection`s. Every publish is sent to
// each of them in turn and the acknowledgements are counted:
//
// * `Quorum` needs half of the pool, rounded up, plus one.
// * `AtLeastOne` needs a single acknowledgement.
// * `OnlyOne` stops at the first acknowledgement.
// * `All` needs every connection.
//
// When too few peers acknowledged, the publish returns an
// `*InsufficientAckError` listing what each connection answered, in pool
// order. A peer refusing a write and a peer which could not be reached both
// count as a missing acknowledgement.
//
// ## Peers
//
// `Peer` is the `Connection` shipped with the package. It speaks a small
// protowire-framed protocol (see `pkg/wire`) over QUIC, one stream per
// publish, and MUST be configured with mTLS: the name of a peer is read from
// its certificate. `Server` is the receiving side, and `MemoryHandler`
// validates topics the way nsqd does without persisting anything.
//
// ## Discovery
//
// `Membership` plugs a pool into a [`hashicorp/memberlist`][dep-mbl] gossip
// cluster. Members advertise the address of their `Server` and are dialled
// once when they join. The pool never shrinks: a member which left the
// cluster is just a connection which fails, and the strategy decides whether
// that matters.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package nsqpool
