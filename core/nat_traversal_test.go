package core

import (
	"net"
	"testing"
)

func TestParsePortExtractsTCPPort(t *testing.T) {
	port, err := parsePort("/ip4/0.0.0.0/tcp/4001")
	if err != nil {
		t.Fatalf("parsePort returned error: %v", err)
	}
	if port != 4001 {
		t.Fatalf("expected port 4001, got %d", port)
	}
}

func TestParsePortRejectsAddressWithoutTCP(t *testing.T) {
	if _, err := parsePort("/ip4/0.0.0.0/udp/4001"); err == nil {
		t.Fatal("expected error for address with no tcp segment")
	}
}

func TestNodeExternalAddrWithoutNATManagerIsUnset(t *testing.T) {
	n := &Node{}
	if addr, ok := n.ExternalAddr(); ok {
		t.Fatalf("expected no external address without a NAT manager, got %q", addr)
	}
}

func TestNodeExternalAddrReportsMappedIP(t *testing.T) {
	n := &Node{nat: &NATManager{ip: net.IPv4(203, 0, 113, 7)}}
	addr, ok := n.ExternalAddr()
	if !ok {
		t.Fatal("expected external address to be reported")
	}
	if addr != "203.0.113.7" {
		t.Fatalf("expected 203.0.113.7, got %q", addr)
	}
}
