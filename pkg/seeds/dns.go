package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"bitchan/pkg/config"
	"bitchan/pkg/model"
)

var log = logrus.WithField("module", "seeds")

const resolvConf = "/etc/resolv.conf"

// DNS resolves A and AAAA records of seed hostnames.
type DNS struct {
	seeds   []config.HostPort
	server  string
	stream  uint32
	client  *dns.Client
	timeout time.Duration
}

// NewDNS builds a resolver. An empty server means the first nameserver from
// /etc/resolv.conf.
func NewDNS(seeds []config.HostPort, server string, stream uint32) *DNS {
	return &DNS{
		seeds:   seeds,
		server:  server,
		stream:  stream,
		client:  &dns.Client{Timeout: 5 * time.Second},
		timeout: 10 * time.Second,
	}
}

func (d *DNS) Name() string { return "dns" }

func (d *DNS) nameserver() (string, error) {
	if d.server != "" {
		if _, _, err := net.SplitHostPort(d.server); err == nil {
			return d.server, nil
		}
		return net.JoinHostPort(d.server, "53"), nil
	}
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", resolvConf, err)
	}
	if len(cfg.Servers) == 0 {
		return "", fmt.Errorf("no nameserver in %s", resolvConf)
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}

func (d *DNS) Resolve(ctx context.Context) ([]model.KnownNode, error) {
	if len(d.seeds) == 0 {
		return nil, nil
	}
	server, err := d.nameserver()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		nodes []model.KnownNode
		errs  []error
	)
	for _, seed := range d.seeds {
		if ip := net.ParseIP(seed.Host); ip != nil {
			nodes = append(nodes, d.node(ip.String(), seed.Port))
			continue
		}
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			ips, err := d.lookup(ctx, server, seed.Host, qtype)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, ip := range ips {
				nodes = append(nodes, d.node(ip, seed.Port))
			}
		}
	}
	log.Debugf("resolved %d nodes from %d DNS seeds via %s", len(nodes), len(d.seeds), server)
	if len(nodes) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.Debugf("dns seed lookup: %v", err)
	}
	return nodes, nil
}

func (d *DNS) node(host string, port uint16) model.KnownNode {
	return model.KnownNode{
		Host:     host,
		Port:     port,
		Stream:   d.stream,
		Services: model.ServiceNodeNetwork,
	}
}

func (d *DNS) lookup(ctx context.Context, server, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true
	resp, _, err := d.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}
	var out []string
	for _, rr := range resp.Answer {
		switch r := rr.(type) {
		case *dns.A:
			out = append(out, r.A.String())
		case *dns.AAAA:
			out = append(out, r.AAAA.String())
		}
	}
	return out, nil
}
