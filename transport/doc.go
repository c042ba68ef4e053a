// Package transport implements the datagram layer beneath the reliable
// protocol: the packet envelope shared by every frame on the wire, the
// packet type space, and the Transport collaborator interface with UDP and
// in-memory implementations.
//
// The transport deliberately knows nothing about sequencing, retries, or
// connections. It moves opaque framed packets between addresses and hands
// received datagrams to the caller through a polled queue.
//
// Example:
//
//	tr := transport.NewUDPTransport()
//	if err := tr.Initialize(transport.Config{ListenAddress: ":7777"}); err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	for {
//	    tr.Poll(10)
//	    for {
//	        recv, ok := tr.ReceiveFrom()
//	        if !ok {
//	            break
//	        }
//	        packet, err := transport.ParsePacket(recv.Data)
//	        ...
//	    }
//	}
package transport
