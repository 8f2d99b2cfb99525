// Package opswarm provides embedded, operation-based replication of
// CRDT objects between peers.
//
// # Overview
//
// Every node runs a host that keeps the live objects it or its peers
// follow. Local changes are emitted as operations, applied at once and
// relayed to everyone subscribed to the object. Peers that were offline
// catch up by exchanging version vectors and receiving what they missed.
//
// # Data model
//
// An object is named by a specifier such as "/Model#profile". Built-in
// types are Model (a last-writer-wins record), Set, Vector and Text.
// Applications derive their own types from these with Type.Derive and
// register them with WithTypes.
//
// Every operation carries a version, "stamp+author~session", issued by
// the node's clock. Versions order operations, detect replays and name
// positions in vectors and texts.
//
// # Topology
//
// Nodes whose id starts with the server prefix ("swarm" by default)
// form a consistent-hash ring. Each object is subscribed to the ring
// member closest to its specifier, or to local storage when that member
// is the node itself. Client nodes never serve subscriptions to others.
//
// # Networking
//
// Peers talk over pipes carrying newline-delimited operations. A pipe
// runs over TCP (WithBindAddr, WithSeeds, Connect) or WebSocket
// (ServeHTTP, ConnectWebSocket). Outbound pipes redial with backoff, and
// nodes with a bind address can find each other over mDNS.
//
// # Storage
//
// Storage makes objects outlive the processes that hold them. Memory,
// bbolt and redis backends are provided; see NewMemoryStorage,
// OpenBoltStorage and NewRedisStorage.
//
// Example
//
//	node, err := opswarm.New(
//		opswarm.WithBindAddr("127.0.0.1:9001"),
//		opswarm.WithSeeds([]string{"127.0.0.1:9002"}),
//		opswarm.WithStorage(opswarm.NewMemoryStorage()),
//	)
//	if err != nil {
//		// handle error
//	}
//	defer node.Close(context.Background())
//
//	profile, _ := node.Record(context.Background(), "profile")
//	_, _ = opswarm.SetField(profile, "name", "Ada", opswarm.StringCodec{})
package opswarm
