package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/remote"
)

// Detection is the result of a project type scan. Confidence is "high"
// for a canonical marker, "medium" for a weak one, and "low" when the
// scan falls back to static.
type Detection struct {
	DetectedType string   `json:"detected_type"`
	Confidence   string   `json:"confidence"`
	Reason       string   `json:"reason"`
	FilesChecked []string `json:"files_checked"`
}

type marker struct {
	file       string
	template   string
	confidence string
	reason     string
}

// Marker order decides ties: a repo with both package.json and
// requirements.txt detects as node.
var detectionMarkers = []marker{
	{"package.json", "node", "high", "found package.json"},
	{"requirements.txt", "python", "high", "found requirements.txt"},
	{"pyproject.toml", "python", "high", "found pyproject.toml"},
	{"manage.py", "python", "high", "found Django manage.py"},
	{"wp-config.php", "wordpress", "high", "found wp-config.php"},
	{"wp-content", "wordpress", "medium", "found wp-content directory"},
}

const maxFilesChecked = 10

// Detect guesses the template for a repository. With a git URL it clones
// shallowly into a temp directory on the managed host, scans, and always
// cleans the clone up. With a path it scans that directory in place.
// Scan problems degrade to a low-confidence static answer instead of
// failing; only transport errors are returned.
func (p *Provisioner) Detect(ctx context.Context, gitURL, path string) (Detection, error) {
	scanPath := path
	if gitURL != "" {
		cloneURL, err := actions.NormalizeGitURL(gitURL)
		if err != nil {
			return staticFallback(fmt.Sprintf("invalid git URL: %v", err)), nil
		}
		tmp := "/tmp/siteflow-detect-" + uuid.NewString()
		defer func() {
			cleanCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
			defer cancel()
			if _, err := p.exec.Run(cleanCtx, "rm -rf "+remote.QuoteArg(tmp)); err != nil {
				slog.Warn("cleaning detect clone", "path", tmp, "error", err)
			}
		}()
		cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
		_, err = p.exec.Run(cloneCtx, fmt.Sprintf("git clone --depth 1 %s %s 2>&1", remote.QuoteArg(cloneURL), remote.QuoteArg(tmp+"/repo")))
		cancel()
		if err != nil {
			return staticFallback(fmt.Sprintf("failed to clone repository: %v", err)), nil
		}
		scanPath = tmp + "/repo"
	}
	if scanPath == "" {
		return staticFallback("no git URL or path provided"), nil
	}

	res, err := p.exec.Run(ctx, fmt.Sprintf("ls -1A %s 2>/dev/null || echo DIR_NOT_FOUND", remote.QuoteArg(scanPath)))
	if err != nil {
		return Detection{}, err
	}
	if strings.Contains(res.Stdout, "DIR_NOT_FOUND") {
		return staticFallback("directory not found"), nil
	}
	checked := []string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		checked = append(checked, line)
		if len(checked) == maxFilesChecked {
			break
		}
	}

	for _, m := range detectionMarkers {
		res, err := p.exec.Run(ctx, fmt.Sprintf("test -e %s && echo FOUND || echo ABSENT", remote.QuoteArg(scanPath+"/"+m.file)))
		if err != nil {
			return Detection{}, err
		}
		if strings.TrimSpace(res.Stdout) == "FOUND" {
			return Detection{
				DetectedType: m.template,
				Confidence:   m.confidence,
				Reason:       m.reason,
				FilesChecked: checked,
			}, nil
		}
	}

	return Detection{
		DetectedType: "static",
		Confidence:   "low",
		Reason:       "no framework markers found, defaulting to static",
		FilesChecked: checked,
	}, nil
}

func staticFallback(reason string) Detection {
	return Detection{
		DetectedType: "static",
		Confidence:   "low",
		Reason:       reason,
		FilesChecked: []string{},
	}
}
