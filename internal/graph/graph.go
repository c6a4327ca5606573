// Package graph projects a sites snapshot onto the topology graph the
// dashboard renders: tunnel, domains, gateway, containers, sites, and
// the backup target, with metrics and backup-health overlays.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/siteflow/siteflow/internal/model"
)

// TunnelInfo feeds the optional tunnel node.
type TunnelInfo struct {
	Name        string
	Connections int
	Healthy     bool
}

// NASInfo feeds the optional backup-target node.
type NASInfo struct {
	Repo   string
	Sites  int
	Status string
	Backup *model.NodeBackup
}

// Overlay carries the optional enrichments projected onto nodes. Nil
// fields and missing map entries simply leave nodes bare.
type Overlay struct {
	Tunnel     *TunnelInfo
	NAS        *NASInfo
	Metrics    map[string]model.ContainerMetrics // by container name
	SiteBackup map[string]model.NodeBackup       // by site name
}

// Builder projects snapshots onto graphs.
type Builder struct {
	gatewayRoot string
}

// NewBuilder returns a builder. gatewayRoot is surfaced as gateway node
// metadata only.
func NewBuilder(gatewayRoot string) *Builder {
	return &Builder{gatewayRoot: gatewayRoot}
}

var typeRank = map[string]int{
	model.NodeTunnel:    0,
	model.NodeDomain:    1,
	model.NodeGateway:   2,
	model.NodeContainer: 3,
	model.NodeSite:      4,
	model.NodeNAS:       5,
}

// Build projects one snapshot. The projection is deterministic: nodes
// sorted by (type rank, id), edges by (source, target, label), so equal
// inputs produce byte-equal JSON.
func (b *Builder) Build(snap model.SitesSnapshot, ov Overlay) model.Graph {
	nodes := map[string]model.GraphNode{}
	edgeKeys := map[[3]string]bool{}
	var edges []model.GraphEdge

	addEdge := func(source, target, label string) {
		key := [3]string{source, target, label}
		if edgeKeys[key] {
			return
		}
		edgeKeys[key] = true
		edges = append(edges, model.GraphEdge{Source: source, Target: target, Label: label})
	}

	nodes["gateway"] = model.GraphNode{
		ID:     "gateway",
		Label:  "Caddy Gateway",
		Type:   model.NodeGateway,
		Status: gatewayNodeStatus(snap.Gateway),
		Meta: map[string]string{
			"remote_path": b.gatewayRoot,
			"container":   snap.Gateway.Container,
		},
	}

	if t := ov.Tunnel; t != nil {
		status := model.SiteDegraded
		if t.Healthy {
			status = model.SiteRunning
		}
		nodes["tunnel"] = model.GraphNode{
			ID:     "tunnel",
			Label:  "Cloudflare Tunnel",
			Type:   model.NodeTunnel,
			Status: status,
			Meta: map[string]string{
				"tunnel":      t.Name,
				"connections": strconv.Itoa(t.Connections),
			},
		}
	}

	if n := ov.NAS; n != nil {
		status := n.Status
		if status == "" {
			status = model.SiteUnknown
		}
		node := model.GraphNode{
			ID:     "nas",
			Label:  "Backup Repository",
			Type:   model.NodeNAS,
			Status: status,
			Meta: map[string]string{
				"repo":  n.Repo,
				"sites": strconv.Itoa(n.Sites),
			},
			Backup: n.Backup,
		}
		nodes["nas"] = node
	}

	for _, site := range snap.Sites {
		siteID := "site-" + site.Name

		siteNode := model.GraphNode{
			ID:     siteID,
			Label:  "Site: " + site.Name,
			Type:   model.NodeSite,
			Status: site.Status,
			Meta: map[string]string{
				"path":     site.Path,
				"services": strconv.Itoa(len(site.Services)),
			},
		}
		if site.Error != "" {
			siteNode.Meta["error"] = site.Error
		}
		if backup, ok := ov.SiteBackup[site.Name]; ok {
			cp := backup
			siteNode.Backup = &cp
			if ov.NAS != nil {
				addEdge(siteID, "nas", "backup")
			}
		}
		nodes[siteID] = siteNode

		for _, c := range site.Containers {
			containerID := "container-" + c.Name
			node := model.GraphNode{
				ID:     containerID,
				Label:  "Container: " + c.Name,
				Type:   model.NodeContainer,
				Status: containerStatus(c),
				Meta: map[string]string{
					"image": c.Image,
					"ports": formatPorts(c.Ports),
				},
			}
			if m, ok := ov.Metrics[c.Name]; ok {
				node.Metrics = &model.NodeMetrics{
					CPUPercent:    m.CPUPercent,
					MemoryPercent: m.MemoryPercent,
					MemoryUsageMB: m.MemoryUsageMB,
					MemoryLimitMB: m.MemoryLimitMB,
				}
			}
			nodes[containerID] = node
			addEdge(containerID, siteID, "deployed as")
		}

		// The gateway only points at containers it actually proxies to.
		for _, target := range site.Targets {
			name := targetContainer(target)
			if name == "" {
				continue
			}
			if _, ok := nodes["container-"+name]; ok {
				addEdge("gateway", "container-"+name, "reverse proxy")
			}
		}

		for _, domain := range site.Domains {
			domainID := "domain-" + domain
			if _, ok := nodes[domainID]; !ok {
				nodes[domainID] = model.GraphNode{
					ID:     domainID,
					Label:  domain,
					Type:   model.NodeDomain,
					Status: site.Status,
					Meta:   map[string]string{"targets": strings.Join(site.Targets, ", ")},
				}
			}
			if ov.Tunnel != nil {
				addEdge("tunnel", domainID, "proxy")
			}
			addEdge(domainID, "gateway", "reverse proxy")
		}
	}

	out := model.Graph{
		Nodes: make([]model.GraphNode, 0, len(nodes)),
		Edges: edges,
	}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, n)
	}
	sort.Slice(out.Nodes, func(i, j int) bool {
		a, b := out.Nodes[i], out.Nodes[j]
		if typeRank[a.Type] != typeRank[b.Type] {
			return typeRank[a.Type] < typeRank[b.Type]
		}
		return a.ID < b.ID
	})
	sort.Slice(out.Edges, func(i, j int) bool {
		a, b := out.Edges[i], out.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Label < b.Label
	})
	for i := range out.Edges {
		out.Edges[i].ID = fmt.Sprintf("edge-%d", i+1)
	}
	if out.Edges == nil {
		out.Edges = []model.GraphEdge{}
	}
	return out
}

func gatewayNodeStatus(gw model.GatewayStatus) string {
	if gw.Status == "" {
		return model.SiteUnknown
	}
	return gw.Status
}

func containerStatus(c model.Container) string {
	switch {
	case c.Status == "" && c.State == "":
		return model.SiteUnknown
	case strings.Contains(c.Status, "Up") || c.State == "running":
		return model.SiteRunning
	case strings.Contains(c.Status, "Exited") || c.State == "exited":
		return model.SiteStopped
	default:
		return model.SiteDegraded
	}
}

// targetContainer extracts the container name from a proxy target such
// as "blog-web:80" or "shop-api:3000/api".
func targetContainer(target string) string {
	name, _, _ := strings.Cut(target, ":")
	name, _, _ = strings.Cut(name, "/")
	return name
}

func formatPorts(ports []model.PortMapping) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.Public > 0 {
			parts = append(parts, fmt.Sprintf("%d->%d", p.Public, p.Private))
		} else {
			parts = append(parts, strconv.Itoa(p.Private))
		}
	}
	return strings.Join(parts, ", ")
}
