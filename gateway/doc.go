/*
Package gateway provides a client for the OpenClaw gateway's WebSocket RPC protocol.

A single connection carries any number of concurrent requests plus a stream of unsolicited events. The frames are
described in package frame.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the gateway.
 2. The client sends a "connect" request carrying the protocol version range, its identity, capabilities, auth token,
    role and scopes. No other request is sent until the gateway answers it successfully.
 3. The client sends requests, each with a fresh correlation id, without waiting for earlier ones to complete.
    The gateway answers each with a response carrying the same id, in any order.
 4. For long-running methods the gateway may first answer with an interim response whose payload is
    {"status":"accepted"}, followed later by the final response under the same id. Callers opt into this with
    ExpectFinal; otherwise the first response settles the request.
 5. At any time the gateway may push event frames, which are fanned out to subscribers.
 6. The client closes the connection. Requests still in flight are rejected with ErrConnectionClosed.

Most callers should use Client.Run, which scopes a connection to a unit of work and guarantees teardown.
*/
package gateway
