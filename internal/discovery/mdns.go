// Package discovery finds opswarm hosts on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceName is the mDNS service opswarm hosts announce.
const ServiceName = "_opswarm._tcp"

const hostKey = "host="

// Peer is a discovered host: its id and the addresses it listens on.
type Peer struct {
	ID    string
	Addrs []string
}

// MDNS announces this host and reports the others it hears about.
type MDNS struct {
	hostID string
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNS announces hostID on the port of bindAddr and calls onPeer for
// every other host discovered on the LAN.
func NewMDNS(hostID, bindAddr string, onPeer func(Peer)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(instanceName(hostID), ServiceName, "local.", port, []string{
		hostKey + hostID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	mdns := &MDNS{
		hostID: hostID,
		server: server,
		cancel: cancel,
	}

	mdns.wg.Add(1)
	go mdns.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, ServiceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		mdns.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	return mdns, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func(Peer)) {
	defer m.wg.Done()
	for entry := range entries {
		peer, ok := PeerFromEntry(entry)
		if !ok || peer.ID == m.hostID || len(peer.Addrs) == 0 {
			continue
		}
		onPeer(peer)
	}
}

// PeerFromEntry reads the host id and addresses out of a service entry.
func PeerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var peer Peer
	for _, txt := range entry.Text {
		if id, ok := strings.CutPrefix(txt, hostKey); ok {
			peer.ID = id
		}
	}
	if peer.ID == "" {
		return peer, false
	}
	port := strconv.Itoa(entry.Port)
	for _, ip := range entry.AddrIPv4 {
		peer.Addrs = append(peer.Addrs, net.JoinHostPort(ip.String(), port))
	}
	for _, ip := range entry.AddrIPv6 {
		peer.Addrs = append(peer.Addrs, net.JoinHostPort(ip.String(), port))
	}
	return peer, true
}

// instanceName keeps the id readable as a DNS label.
func instanceName(hostID string) string {
	return strings.ReplaceAll(hostID, "~", "-")
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
