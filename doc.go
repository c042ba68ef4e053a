// Package netcode implements a reliable transport and state replication
// layer for real-time networking on top of an unreliable datagram
// transport.
//
// The Manager owns the connection table and drives the protocol: it
// performs the connect/accept/deny handshake, exchanges keep-alives and
// pings, flushes each connection's outgoing queue through the reliability
// layer once per tick, and hands completed application payloads to a
// registered data callback.
//
// Example:
//
//	opts := netcode.NewOptions()
//	opts.ListenAddress = ":7777"
//
//	server := netcode.NewManager(opts)
//	server.OnConnect(func(id uint32) {
//	    fmt.Printf("peer %d connected\n", id)
//	})
//	server.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
//	    // handle application payload
//	})
//	if err := server.StartServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	for running {
//	    server.Update()
//	    time.Sleep(15 * time.Millisecond)
//	}
//	server.Stop()
package netcode
