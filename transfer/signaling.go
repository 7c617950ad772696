package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// rendezvousMsg is the broadcast announcement / reply payload. Adapted
// from the teacher's Peer{Hostname, IP} discovery reply: keyed on a
// pairing code instead of a hostname, since this adapter resolves "the
// other side of this pairing code" rather than "every peer on the LAN."
type rendezvousMsg struct {
	PairingCode string `json:"pairing_code"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// LANSignalingClient is a reference SignalingClient that resolves a
// pairing code to a peer address by broadcasting on the local network,
// grounded on the teacher's discovery.go broadcast/reply loop. The real
// signaling server the spec describes is out of scope (spec §6); this
// exists so the engine has something concrete to rendezvous through in
// tests and local transfers.
type LANSignalingClient struct {
	conn      *net.UDPConn
	localPort int
}

// NewLANSignalingClient opens a UDP socket for rendezvous traffic.
func NewLANSignalingClient() (*LANSignalingClient, error) {
	localAddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("resolve local udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &LANSignalingClient{conn: conn}, nil
}

// broadcastAddresses enumerates the global broadcast address plus every
// locally-known subnet's broadcast address, same approach as the
// teacher's DiscoverPeers.
func broadcastAddresses() []string {
	addrs := []string{fmt.Sprintf("255.255.255.255:%d", DiscoveryPort)}

	interfaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			broadcast := make(net.IP, len(ipNet.IP))
			copy(broadcast, ipNet.IP)
			for i := 0; i < len(ipNet.Mask); i++ {
				broadcast[i] |= ^ipNet.Mask[i]
			}
			if broadcast.To4() != nil {
				addrs = append(addrs, fmt.Sprintf("%s:%d", broadcast.To4().String(), DiscoveryPort))
			}
		}
	}
	return addrs
}

// Announce advertises this peer as available under pairingCode, replying
// to matching rendezvous broadcasts until ctx is done. Meant to run in its
// own goroutine on the side that's waiting to be found (the receiver, in
// main.go).
func (c *LANSignalingClient) Announce(ctx context.Context, pairingCode string) error {
	listenAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", DiscoveryPort))
	if err != nil {
		return fmt.Errorf("resolve discovery addr: %w", err)
	}
	listener, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen discovery port: %w", err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	localIP := localOutboundIP()
	buffer := DiscoveryBufferPool.Get()
	defer DiscoveryBufferPool.Put(buffer)

	for {
		n, remoteAddr, err := listener.ReadFromUDP(buffer)
		if err != nil {
			return nil
		}

		var req rendezvousMsg
		if err := json.Unmarshal(buffer[:n], &req); err != nil {
			continue
		}
		if req.PairingCode != pairingCode {
			continue
		}

		reply := rendezvousMsg{
			PairingCode: pairingCode,
			Address:     localIP,
			Port:        c.localPort,
		}
		replyBytes, err := json.Marshal(&reply)
		if err != nil {
			continue
		}
		listener.WriteToUDP(replyBytes, remoteAddr)
	}
}

// WaitForPeer broadcasts a rendezvous request carrying pairingCode and
// waits for a matching reply, or until ctx is done / RendezvousReplyTimeout elapses.
func (c *LANSignalingClient) WaitForPeer(ctx context.Context, pairingCode string) (PeerDescriptor, error) {
	req := rendezvousMsg{PairingCode: pairingCode}
	reqBytes, err := json.Marshal(&req)
	if err != nil {
		return PeerDescriptor{}, fmt.Errorf("marshal rendezvous request: %w", err)
	}

	for _, addrStr := range broadcastAddresses() {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		c.conn.WriteToUDP(reqBytes, addr)
	}

	deadline := time.Now().Add(RendezvousReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	buffer := DiscoveryBufferPool.Get()
	defer DiscoveryBufferPool.Put(buffer)

	for {
		n, _, err := c.conn.ReadFromUDP(buffer)
		if err != nil {
			return PeerDescriptor{}, ErrSignalingTimeout
		}
		var reply rendezvousMsg
		if err := json.Unmarshal(buffer[:n], &reply); err != nil {
			continue
		}
		if reply.PairingCode != pairingCode {
			continue
		}
		return PeerDescriptor{Address: reply.Address, Port: reply.Port}, nil
	}
}

// Close releases the underlying UDP socket.
func (c *LANSignalingClient) Close() error {
	return c.conn.Close()
}

// localOutboundIP finds this machine's preferred non-loopback IPv4 address,
// same fallback chain as the teacher's getLocalIP.
func localOutboundIP() string {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				var ip net.IP
				switch v := addr.(type) {
				case *net.IPNet:
					ip = v.IP
				case *net.IPAddr:
					ip = v.IP
				}
				if ip == nil || ip.IsLoopback() || ip.To4() == nil {
					continue
				}
				return ip.String()
			}
		}
	}

	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if localAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !localAddr.IP.IsLoopback() {
			return localAddr.IP.String()
		}
	}
	return "127.0.0.1"
}
