package host

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/mdns"

	"github.com/mbocsi/hostlink/proto"
)

// Advertiser announces the host on the local network so clients started
// with discovery can find it.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes instance under the hostlink service type. addr is
// the listen address of the host; only its port is used.
func Advertise(instance, addr, signature string) (*Advertiser, error) {
	port, err := portOf(addr)
	if err != nil {
		return nil, err
	}
	txt := []string{"signature=" + signature, "scheme=http"}
	service, err := mdns.NewMDNSService(instance, proto.ServiceType, "", "", port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	slog.Info("Advertising host", "instance", instance, "service", proto.ServiceType, "port", port)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}
