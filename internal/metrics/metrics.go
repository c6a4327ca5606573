// Package metrics samples live container resource usage via docker stats.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// statsTTL bounds how often docker stats runs; the command itself takes
// about a second per call.
const statsTTL = 10 * time.Second

const statsCommand = `docker stats --no-stream --format '{{json .}}'`

// Runner executes remote commands.
type Runner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Service collects and caches per-container stats samples.
type Service struct {
	run Runner

	mu        sync.Mutex
	cached    map[string]model.ContainerMetrics
	fetchedAt time.Time
}

func NewService(run Runner) *Service {
	return &Service{run: run}
}

// Containers returns the latest sample per container name, refreshing when
// the cached sample is older than the stats TTL or force is set.
func (s *Service) Containers(ctx context.Context, force bool) (map[string]model.ContainerMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.cached != nil && time.Since(s.fetchedAt) < statsTTL {
		return s.cached, nil
	}

	res, err := s.run.Run(ctx, statsCommand)
	if err != nil {
		return nil, err
	}

	metrics := make(map[string]model.ContainerMetrics)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, ok := parseStatsLine(line)
		if !ok {
			slog.Warn("skipping malformed docker stats line", "line", line)
			continue
		}
		metrics[m.ContainerName] = m
	}

	s.cached = metrics
	s.fetchedAt = time.Now()
	return metrics, nil
}

// SiteTotals aggregates container samples over each site's containers.
func SiteTotals(sites []model.Site, all map[string]model.ContainerMetrics) []model.SiteMetrics {
	out := make([]model.SiteMetrics, 0, len(sites))
	for _, site := range sites {
		sm := model.SiteMetrics{SiteName: site.Name, Containers: []model.ContainerMetrics{}}
		for _, c := range site.Containers {
			m, ok := all[c.Name]
			if !ok {
				continue
			}
			sm.Containers = append(sm.Containers, m)
			sm.TotalCPUPercent += m.CPUPercent
			sm.TotalMemoryMB += m.MemoryUsageMB
		}
		out = append(out, sm)
	}
	return out
}

// statsLine mirrors the docker stats JSON format fields the daemon uses.
type statsLine struct {
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
}

func parseStatsLine(line string) (model.ContainerMetrics, bool) {
	var raw statsLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return model.ContainerMetrics{}, false
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return model.ContainerMetrics{}, false
	}

	usage, limit := parsePair(raw.MemUsage)
	rx, tx := parsePair(raw.NetIO)
	read, write := parsePair(raw.BlockIO)

	return model.ContainerMetrics{
		ContainerName: name,
		CPUPercent:    parsePercent(raw.CPUPerc),
		MemoryUsageMB: usage,
		MemoryLimitMB: limit,
		MemoryPercent: parsePercent(raw.MemPerc),
		NetworkRxMB:   rx,
		NetworkTxMB:   tx,
		BlockReadMB:   read,
		BlockWriteMB:  write,
	}, true
}

func parsePercent(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "%"), 64)
	if err != nil {
		return 0
	}
	return f
}

// sizeMultipliers converts docker's human sizes to MB. Docker emits SI
// units (kB, MB, GB) for IO counters and binary units (KiB, MiB, GiB) for
// memory; both map to the same multiplier here.
var sizeMultipliers = map[string]float64{
	"B":   1.0 / (1024 * 1024),
	"KB":  1.0 / 1024,
	"KIB": 1.0 / 1024,
	"MB":  1,
	"MIB": 1,
	"GB":  1024,
	"GIB": 1024,
	"TB":  1024 * 1024,
	"TIB": 1024 * 1024,
}

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)`)

// parseSize converts strings like "1.5GiB" or "100kB" to MB.
func parseSize(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	m := sizePattern.FindStringSubmatch(value)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	mult, ok := sizeMultipliers[strings.ToUpper(m[2])]
	if !ok {
		mult = 1
	}
	return n * mult
}

// parsePair splits "100MiB / 1GiB" style values.
func parsePair(value string) (float64, float64) {
	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return 0, 0
	}
	return parseSize(parts[0]), parseSize(parts[1])
}
