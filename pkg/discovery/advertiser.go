// Package discovery announces the controller API over mDNS and finds other
// controllers on the local network.
package discovery

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// DefaultServiceType is advertised when none is configured
const DefaultServiceType = "_hydro-controller._tcp"

// Config describes the advertised service
type Config struct {
	ServiceName string
	ServiceType string
	Domain      string
	Port        int
	HostName    string
	Interface   string
	TXTRecords  map[string]string
}

func (c *Config) applyDefaults() {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "hydro-controller"
	}
	if c.ServiceName == "" {
		c.ServiceName = hostname
	}
	if c.HostName == "" {
		c.HostName = hostname
	}
	if c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	if c.Domain == "" {
		c.Domain = "local"
	}
}

// Advertiser announces the API port over mDNS
type Advertiser struct {
	config Config
	logger logger.Interface

	mu     sync.Mutex
	server *mdns.Server
}

// NewAdvertiser creates an advertiser; nothing is announced until Start
func NewAdvertiser(config Config, log logger.Interface) *Advertiser {
	config.applyDefaults()
	return &Advertiser{
		config: config,
		logger: log.WithField("component", "mdns-advertiser"),
	}
}

// Start begins answering mDNS queries
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return fmt.Errorf("advertiser is already running")
	}

	ip, err := primaryIP(a.config.Interface)
	if err != nil {
		return fmt.Errorf("failed to get primary IP: %w", err)
	}

	service, err := mdns.NewMDNSService(
		a.config.ServiceName,
		a.config.ServiceType,
		a.config.Domain,
		a.config.HostName+".",
		a.config.Port,
		[]net.IP{ip},
		txtRecords(a.config.TXTRecords),
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	mdnsConfig := &mdns.Config{Zone: service}
	if a.config.Interface != "" {
		if mdnsConfig.Iface, err = net.InterfaceByName(a.config.Interface); err != nil {
			return fmt.Errorf("interface %s not found: %w", a.config.Interface, err)
		}
	}
	server, err := mdns.NewServer(mdnsConfig)
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	a.server = server

	a.logger.Info("Started mDNS advertising",
		"service_name", a.config.ServiceName,
		"service_type", a.config.ServiceType,
		"port", a.config.Port,
		"ip_address", ip.String())
	return nil
}

// Stop withdraws the announcement. Stopping twice is a no-op.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown mDNS server: %w", err)
	}
	a.logger.Info("Stopped mDNS advertising")
	return nil
}

// IsRunning returns whether the advertiser is currently running
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// txtRecords renders key=value pairs in a stable order
func txtRecords(records map[string]string) []string {
	out := make([]string, 0, len(records))
	for key, value := range records {
		if value != "" {
			out = append(out, key+"="+value)
		} else {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// parseTXT is the inverse of txtRecords
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		key, value, _ := strings.Cut(field, "=")
		if key != "" {
			out[key] = value
		}
	}
	return out
}

// primaryIP returns the first IPv4 address of iface, or the best private
// non-loopback address when iface is empty
func primaryIP(iface string) (net.IP, error) {
	if iface != "" {
		ifc, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("interface %s not found: %w", iface, err)
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to get addresses for interface %s: %w", iface, err)
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return ipNet.IP.To4(), nil
			}
		}
		return nil, fmt.Errorf("no IPv4 address found on interface %s", iface)
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var candidates []net.IP
	for _, ifc := range interfaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if ip := ipNet.IP.To4(); ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
					candidates = append(candidates, ip)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable IP address found")
	}
	for _, ip := range candidates {
		if ip.IsPrivate() {
			return ip, nil
		}
	}
	return candidates[0], nil
}
