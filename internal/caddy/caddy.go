// Package caddy parses and rewrites the gateway Caddyfile. The daemon owns
// only host blocks of the simple "domain { reverse_proxy target }" shape;
// parsing is line-based with brace depth tracking and leaves everything it
// does not understand untouched.
package caddy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/siteflow/siteflow/internal/model"
)

// Block is one top-level host block.
type Block struct {
	Hosts          []string
	ReverseProxies []string
	Redirects      []string
}

// Parse scans raw into host blocks. Blocks open on a line ending in "{" at
// depth zero; hosts are comma-separated. reverse_proxy and redir directives
// are collected at any depth inside the block. Comments and blank lines are
// ignored, including for brace accounting.
func Parse(raw string) []Block {
	var blocks []Block
	depth := 0
	var cur *Block

	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		opening := strings.Count(rawLine, "{")
		closing := strings.Count(rawLine, "}")

		if strings.HasSuffix(line, "{") && depth == 0 {
			cur = &Block{Hosts: splitHosts(strings.TrimSuffix(line, "{"))}
			depth = 1
			continue
		}

		if cur != nil {
			if rest, ok := strings.CutPrefix(line, "reverse_proxy"); ok {
				if t := strings.TrimSpace(rest); t != "" {
					cur.ReverseProxies = append(cur.ReverseProxies, t)
				}
			} else if rest, ok := strings.CutPrefix(line, "redir"); ok {
				if t := strings.TrimSpace(rest); t != "" {
					cur.Redirects = append(cur.Redirects, t)
				}
			}
		}

		if depth > 0 {
			depth += opening - closing
			if depth <= 0 {
				if cur != nil {
					blocks = append(blocks, *cur)
					cur = nil
				}
				depth = 0
			}
		}
	}

	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}

func splitHosts(hostsLine string) []string {
	var hosts []string
	for _, h := range strings.Split(strings.TrimSpace(hostsLine), ",") {
		h = strings.Trim(strings.TrimSpace(h), ",")
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Routes flattens the parsed blocks into the host x upstream cross product.
func Routes(raw string) []model.Route {
	var routes []model.Route
	for _, b := range Parse(raw) {
		for _, host := range b.Hosts {
			for _, target := range b.ReverseProxies {
				routes = append(routes, routeFromTarget(host, target))
			}
		}
	}
	return routes
}

func routeFromTarget(host, target string) model.Route {
	r := model.Route{Domain: host, Target: target}
	if strings.Contains(target, ":") {
		parts := strings.SplitN(target, ":", 2)
		r.Container = parts[0]
		portStr, _, _ := strings.Cut(parts[1], "/")
		if p, err := strconv.Atoi(portStr); err == nil {
			r.Port = p
		}
	} else {
		r.Container, _, _ = strings.Cut(target, "/")
	}
	return r
}

// AddRoute appends a host block routing domain to target. A domain already
// bound by any block is a conflict.
func AddRoute(raw, domain, target string) (string, error) {
	for _, b := range Parse(raw) {
		for _, h := range b.Hosts {
			if h == domain {
				return "", model.Errorf(model.KindConflict, "route for domain %q already exists", domain)
			}
		}
	}

	block := fmt.Sprintf("%s {\n    reverse_proxy %s\n}\n", domain, target)
	trimmed := strings.TrimRight(raw, " \t\n")
	if trimmed == "" {
		return block, nil
	}
	return trimmed + "\n\n" + block, nil
}

// RemoveRoute drops the host block whose sole host is domain. Blocks
// serving multiple domains are never removed. Returns NotFound when no
// block matches.
func RemoveRoute(raw, domain string) (string, error) {
	var out []string
	removed := 0
	depth := 0
	skipping := false

	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.TrimSpace(rawLine)

		if line == "" || strings.HasPrefix(line, "#") {
			if !skipping {
				out = append(out, rawLine)
			}
			continue
		}

		opening := strings.Count(rawLine, "{")
		closing := strings.Count(rawLine, "}")

		if depth == 0 && strings.HasSuffix(line, "{") {
			hosts := splitHosts(strings.TrimSuffix(line, "{"))
			depth = 1
			if len(hosts) == 1 && hosts[0] == domain {
				skipping = true
				removed++
			} else {
				out = append(out, rawLine)
			}
			continue
		}

		if depth > 0 {
			depth += opening - closing
			if depth < 0 {
				depth = 0
			}
		}

		if skipping {
			if depth == 0 {
				skipping = false
			}
			continue
		}
		out = append(out, rawLine)
	}

	if removed == 0 {
		return "", model.Errorf(model.KindNotFound, "route for domain %q not found", domain)
	}

	result := strings.TrimSpace(strings.Join(out, "\n"))
	if result != "" {
		result += "\n"
	}
	return result, nil
}
