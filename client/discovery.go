package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/mbocsi/hostlink/proto"
)

// DiscoveredHost is a host found on the local network.
type DiscoveredHost struct {
	Name      string
	BaseURL   string // "http://addr:port/"
	Signature string // from the "signature=" TXT record, if present
	TXT       []string
}

// DiscoverHost returns the first host answering on the local network.
func DiscoverHost(ctx context.Context, timeout time.Duration) (*DiscoveredHost, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(proto.ServiceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", proto.ServiceType, "error", err.Error())
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", proto.ServiceType)
		}
		host, err := hostFromEntry(entry)
		if err != nil {
			return nil, err
		}
		slog.Info("Discovered host", "name", host.Name, "base_url", host.BaseURL)
		return host, nil
	case <-timer.C:
		return nil, fmt.Errorf("mDNS discovery timeout for %s", proto.ServiceType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func hostFromEntry(entry *mdns.ServiceEntry) (*DiscoveredHost, error) {
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no valid address found for %s", entry.Name)
	}

	scheme := "http"
	host := &DiscoveredHost{Name: entry.Name, TXT: entry.InfoFields}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "signature":
			host.Signature = value
		case "scheme":
			scheme = value
		}
	}
	host.BaseURL = scheme + "://" + net.JoinHostPort(address, strconv.Itoa(entry.Port)) + "/"
	return host, nil
}
