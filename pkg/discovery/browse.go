package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/mdns"
)

// Controller is a controller found on the network
type Controller struct {
	Name    string            `json:"name"`
	Host    string            `json:"host"`
	Address string            `json:"address"`
	Port    int               `json:"port"`
	TXT     map[string]string `json:"txt,omitempty"`
}

// URL returns the controller's API base URL
func (c Controller) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.Address, fmt.Sprint(c.Port)))
}

// Browse queries serviceType for timeout and returns the controllers that
// answered, ordered by name
func Browse(ctx context.Context, serviceType, domain string, timeout time.Duration) ([]Controller, error) {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if domain == "" {
		domain = "local"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]Controller)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if entry.AddrV4 == nil {
				continue
			}
			found[entry.Name] = Controller{
				Name:    entry.Name,
				Host:    entry.Host,
				Address: entry.AddrV4.String(),
				Port:    entry.Port,
				TXT:     parseTXT(entry.InfoFields),
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Domain = domain
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}

	out := make([]Controller, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
