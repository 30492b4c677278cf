//go:build consul

package seeds

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"bitchan/pkg/model"
)

// Consul lists healthy instances of a catalog service.
type Consul struct {
	cli     *consulapi.Client
	service string
	stream  uint32
}

// NewConsul creates a Consul catalog source (requires build tag consul).
func NewConsul(addr, service string, stream uint32) Source {
	if addr == "" {
		return nil
	}
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		log.Warnf("consul client for %s: %v", addr, err)
		return nil
	}
	return &Consul{cli: cli, service: service, stream: stream}
}

func (c *Consul) Name() string { return "consul" }

func (c *Consul) Resolve(ctx context.Context) ([]model.KnownNode, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.cli.Health().Service(c.service, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("consul service %s: %w", c.service, err)
	}
	nodes := make([]model.KnownNode, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		if host == "" || e.Service.Port <= 0 || e.Service.Port > 65535 {
			continue
		}
		nodes = append(nodes, model.KnownNode{
			Host:     host,
			Port:     uint16(e.Service.Port),
			Stream:   c.stream,
			Services: model.ServiceNodeNetwork,
		})
	}
	return nodes, nil
}
