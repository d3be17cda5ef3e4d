// Package discovery announces sessions on the local network over mDNS and
// finds sessions announced by other agents.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the DNS-SD service type agents register under.
const DefaultService = "_collabtext._tcp"

const domain = "local."

// Session is one session seen on the network.
type Session struct {
	Instance string
	Token    string
	Host     bool
	Addr     net.IP
	Port     int
}

// URL returns the address of the announcing agent's UI.
func (s Session) URL() string {
	return fmt.Sprintf("http://%s/", net.JoinHostPort(s.Addr.String(), fmt.Sprint(s.Port)))
}

// Advertiser keeps an mDNS registration alive.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces token under service. port is the agent's UI port.
func Advertise(service, token string, host bool, port int, logger *slog.Logger) (*Advertiser, error) {
	hostname, _ := os.Hostname()
	instance := fmt.Sprintf("CollabText-%s-%s", hostname, token)
	server, err := zeroconf.Register(instance, service, domain, port, txtRecords(token, host), nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	logger.Info("mDNS service registered", "instance", instance, "service", service, "port", port)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertiser) Shutdown() { a.server.Shutdown() }

// Browse reports announced sessions to found until ctx ends. Entries that
// carry no session token are ignored.
func Browse(ctx context.Context, service string, found func(Session)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if s, ok := fromEntry(entry); ok {
				found(s)
			}
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("browsing for mDNS services: %w", err)
	}
	<-ctx.Done()
	return nil
}

func txtRecords(token string, host bool) []string {
	role := "guest"
	if host {
		role = "host"
	}
	return []string{"txtv=1", "session=" + token, "role=" + role}
}

func fromEntry(entry *zeroconf.ServiceEntry) (Session, bool) {
	s := Session{Instance: entry.Instance, Port: entry.Port}
	for _, record := range entry.Text {
		key, value, _ := strings.Cut(record, "=")
		switch key {
		case "session":
			s.Token = value
		case "role":
			s.Host = value == "host"
		}
	}
	if s.Token == "" {
		return Session{}, false
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		s.Addr = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		s.Addr = entry.AddrIPv6[0]
	default:
		return Session{}, false
	}
	return s, true
}
