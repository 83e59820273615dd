package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"hogrider/p2p-share/pkg/logger"
)

const (
	ServiceType = "_p2p-share._tcp"
	Domain      = "local."

	// RoleTracker is the "role" TXT value a tracker advertises.
	RoleTracker = "tracker"
	metaRole    = "role"
)

// ServiceInfo is one resolved mDNS entry.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr returns the first IPv4 address joined with the port.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

func (s *ServiceInfo) Role() string {
	return s.Meta[metaRole]
}

type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

func defaultInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "p2p-tracker"
	}
	return "p2p-tracker-" + hostname
}

// txtRecords renders meta as sorted key=value records.
func txtRecords(meta map[string]string) []string {
	records := make([]string, 0, len(meta))
	for k, v := range meta {
		records = append(records, k+"="+v)
	}
	sort.Strings(records)
	return records
}

func parseTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok && k != "" {
			meta[k] = v
		}
	}
	return meta
}

// Start registers the service on port. An empty instanceName falls back to
// one derived from the hostname.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		instanceName = defaultInstance()
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords(meta), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server
	return nil
}

func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// fromEntry converts a zeroconf entry, keeping only IPv4 addresses. It
// returns nil when the entry has none.
func fromEntry(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Meta:         parseTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	if len(info.IPs) == 0 {
		return nil
	}
	return info
}

// Browse streams discovered services until ctx is done.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := fromEntry(entry)
				if info == nil {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered service: instance=%s role=%s ips=%v port=%d", info.InstanceName, info.Role(), info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

// FindTracker browses until a tracker shows up or ctx expires.
func (r *Resolver) FindTracker(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range ch {
		if info.Role() == RoleTracker {
			return info.Addr(), nil
		}
	}
	return "", fmt.Errorf("no tracker found via mDNS: %w", ctx.Err())
}
