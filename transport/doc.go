// Package transport provides the socket layer of the substrate: a reply
// server with strict request/reply alternation per connection, a caching
// client for request/reply and fire-and-forget push, and a fan-in pull
// socket. Payload encoding is fixed per socket by a wire kind chosen at
// construction.
//
// All binds are loopback-only; the substrate coordinates processes on one
// machine, not across a network.
package transport
