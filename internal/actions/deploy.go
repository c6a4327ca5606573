package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/compose"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

const (
	gitTimeout    = 300 * time.Second
	buildTimeout  = 600 * time.Second
	deployTimeout = 600 * time.Second

	maxUploadSize = 100 << 20

	markerFile = ".siteflow.json"
)

var (
	gitSSHPattern = regexp.MustCompile(`^git@([^:]+):(.+)$`)
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

	allowedGitHosts = map[string]bool{
		"github.com":    true,
		"gitlab.com":    true,
		"bitbucket.org": true,
	}
)

// DeployInfo reports how a site's content was last deployed.
type DeployInfo struct {
	Site       string `json:"site"`
	Configured bool   `json:"configured"`
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	LastCommit string `json:"last_commit,omitempty"`
}

// UploadedFile is one entry of a folder deployment, path relative to the
// uploaded folder root.
type UploadedFile struct {
	Path    string
	Content []byte
}

// deployMarker is persisted as .siteflow.json in the site directory so
// later pulls know where the content came from.
type deployMarker struct {
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	DeployType string `json:"deploy_type,omitempty"`
	Filename   string `json:"filename,omitempty"`
	FileCount  int    `json:"file_count,omitempty"`
}

// DeployGit clones (or fast-forwards) a repository into the site's content
// directory, records the source in the deploy marker, and rebuilds the
// stack. A rebuild failure after a successful checkout is reported in the
// output rather than failing the deployment.
func (e *Engine) DeployGit(ctx context.Context, site, repoURL, branch string) (string, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return "", err
	}
	cloneURL, err := NormalizeGitURL(repoURL)
	if err != nil {
		return "", err
	}
	if branch == "" {
		branch = "main"
	}
	if err := validateBranch(branch); err != nil {
		return "", err
	}

	meta := map[string]string{"operation": "deploy_git", "repo_url": cloneURL, "branch": branch}
	return e.audited(ctx, model.ActionSiteConfig, model.TargetSite, site, meta, func(ctx context.Context) (string, error) {
		if err := e.requireSite(ctx, site, path); err != nil {
			return "", err
		}
		contentDir := e.deployDir(ctx, path)

		gitCtx, cancel := context.WithTimeout(ctx, gitTimeout)
		defer cancel()

		hasRepo, err := e.exec.FileExists(gitCtx, contentDir+"/.git")
		if err != nil {
			return "", err
		}
		var script string
		if hasRepo {
			script = fmt.Sprintf("cd %s && git fetch origin && git reset --hard origin/%s 2>&1",
				remote.QuoteArg(contentDir), branch)
		} else {
			script = fmt.Sprintf("rm -rf %s && git clone --branch %s --depth 1 %s %s 2>&1",
				remote.QuoteArg(contentDir), branch, remote.QuoteArg(cloneURL), remote.QuoteArg(contentDir))
		}
		res, err := e.exec.RunTarget(gitCtx, site, script)
		if err != nil {
			return "", err
		}

		e.writeMarker(ctx, path, deployMarker{RepoURL: cloneURL, Branch: branch})

		parts := []string{combinedOutput(res)}
		parts = append(parts, e.rebuildAfterDeploy(ctx, site, path))
		e.mutated()
		return joinParts(parts), nil
	})
}

// Pull fast-forwards a previously configured git deployment and rebuilds.
func (e *Engine) Pull(ctx context.Context, site string) (string, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return "", err
	}

	meta := map[string]string{"operation": "pull"}
	return e.audited(ctx, model.ActionSiteConfig, model.TargetSite, site, meta, func(ctx context.Context) (string, error) {
		if err := e.requireSite(ctx, site, path); err != nil {
			return "", err
		}
		marker := e.readMarker(ctx, path)
		if marker.RepoURL == "" {
			return "", model.Errorf(model.KindValidation, "site %q has no git deployment configured", site)
		}
		branch := marker.Branch
		if branch == "" {
			branch = "main"
		}
		if err := validateBranch(branch); err != nil {
			return "", err
		}
		contentDir := e.deployDir(ctx, path)

		gitCtx, cancel := context.WithTimeout(ctx, gitTimeout)
		defer cancel()

		res, err := e.exec.RunTarget(gitCtx, site, fmt.Sprintf(
			"cd %s && git fetch origin && git reset --hard origin/%s 2>&1",
			remote.QuoteArg(contentDir), branch))
		if err != nil {
			return "", err
		}
		parts := []string{combinedOutput(res)}

		if rev, err := e.exec.RunTarget(gitCtx, site, fmt.Sprintf(
			"cd %s && git rev-parse --short HEAD", remote.QuoteArg(contentDir))); err == nil {
			if commit := strings.TrimSpace(rev.Stdout); commit != "" {
				parts = append(parts, "updated to "+commit)
			}
		}

		parts = append(parts, e.rebuildAfterDeploy(ctx, site, path))
		e.mutated()
		return joinParts(parts), nil
	})
}

// DeployUpload extracts an uploaded zip archive into a staging directory,
// flattens a single top-level folder, and swaps it into the content
// directory. The previous content is kept aside until the swap succeeds.
func (e *Engine) DeployUpload(ctx context.Context, site, filename string, content []byte) (string, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return "", model.Errorf(model.KindValidation, "only .zip archives are supported")
	}
	if len(content) == 0 {
		return "", model.Errorf(model.KindValidation, "uploaded archive is empty")
	}
	if len(content) > maxUploadSize {
		return "", model.Errorf(model.KindValidation, "archive too large (max 100MB)")
	}

	meta := map[string]string{"operation": "upload", "filename": filename}
	return e.audited(ctx, model.ActionSiteConfig, model.TargetSite, site, meta, func(ctx context.Context) (string, error) {
		if err := e.requireSite(ctx, site, path); err != nil {
			return "", err
		}
		contentDir := e.deployDir(ctx, path)
		staging := contentDir + ".staging"

		ctx, cancel := context.WithTimeout(ctx, deployTimeout)
		defer cancel()

		if _, err := e.exec.RunTarget(ctx, site, fmt.Sprintf("rm -rf %s && mkdir -p %s",
			remote.QuoteArg(staging), remote.QuoteArg(staging))); err != nil {
			return "", err
		}

		remoteZip := fmt.Sprintf("/tmp/siteflow-deploy-%s.zip", site)
		if err := e.exec.Upload(ctx, remoteZip, bytes.NewReader(content)); err != nil {
			return "", err
		}
		res, err := e.exec.RunTarget(ctx, site, fmt.Sprintf("unzip -o %s -d %s && rm -f %s",
			remote.QuoteArg(remoteZip), remote.QuoteArg(staging), remote.QuoteArg(remoteZip)))
		if err != nil {
			e.exec.Run(ctx, "rm -rf "+remote.QuoteArg(staging))
			return "", err
		}
		parts := []string{combinedOutput(res)}

		// A zip built from a folder usually wraps everything in one root
		// directory; unwrap it so index.html lands at the top.
		e.exec.RunTarget(ctx, site, fmt.Sprintf(
			`cd %s && if [ "$(ls -1 | wc -l)" -eq 1 ] && [ -d "$(ls -1)" ]; then root=$(ls -1); find "$root" -mindepth 1 -maxdepth 1 -exec mv -t . {} + && rmdir "$root"; fi`,
			remote.QuoteArg(staging)))

		if err := e.swapContentDir(ctx, site, staging, contentDir); err != nil {
			return "", err
		}
		e.writeMarker(ctx, path, deployMarker{DeployType: "upload", Filename: filename})

		parts = append(parts, e.rebuildAfterDeploy(ctx, site, path))
		e.mutated()
		return joinParts(parts), nil
	})
}

// DeployFolder stages a set of uploaded files (relative paths with the
// shared root folder stripped) and swaps them into the content directory.
func (e *Engine) DeployFolder(ctx context.Context, site string, files []UploadedFile) (string, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", model.Errorf(model.KindValidation, "no files provided")
	}

	meta := map[string]string{"operation": "folder"}
	return e.audited(ctx, model.ActionSiteConfig, model.TargetSite, site, meta, func(ctx context.Context) (string, error) {
		if err := e.requireSite(ctx, site, path); err != nil {
			return "", err
		}
		contentDir := e.deployDir(ctx, path)
		staging := contentDir + ".staging"

		ctx, cancel := context.WithTimeout(ctx, deployTimeout)
		defer cancel()

		if _, err := e.exec.RunTarget(ctx, site, fmt.Sprintf("rm -rf %s && mkdir -p %s",
			remote.QuoteArg(staging), remote.QuoteArg(staging))); err != nil {
			return "", err
		}

		uploaded := 0
		for _, f := range files {
			rel, err := folderRelPath(f.Path)
			if err != nil {
				e.exec.Run(ctx, "rm -rf "+remote.QuoteArg(staging))
				return "", err
			}
			if rel == "" || len(f.Content) > maxUploadSize {
				continue
			}
			dest := staging + "/" + rel
			if dir := parentDir(dest); dir != staging {
				if _, err := e.exec.Run(ctx, "mkdir -p "+remote.QuoteArg(dir)); err != nil {
					e.exec.Run(ctx, "rm -rf "+remote.QuoteArg(staging))
					return "", err
				}
			}
			if err := e.exec.Upload(ctx, dest, bytes.NewReader(f.Content)); err != nil {
				e.exec.Run(ctx, "rm -rf "+remote.QuoteArg(staging))
				return "", err
			}
			uploaded++
		}
		if uploaded == 0 {
			e.exec.Run(ctx, "rm -rf "+remote.QuoteArg(staging))
			return "", model.Errorf(model.KindValidation, "no deployable files in upload")
		}

		if err := e.swapContentDir(ctx, site, staging, contentDir); err != nil {
			return "", err
		}
		e.writeMarker(ctx, path, deployMarker{DeployType: "folder", FileCount: uploaded})

		parts := []string{fmt.Sprintf("uploaded %d files", uploaded)}
		parts = append(parts, e.rebuildAfterDeploy(ctx, site, path))
		e.mutated()
		return joinParts(parts), nil
	})
}

// DeployStatus reports the recorded deployment source and last commit.
func (e *Engine) DeployStatus(ctx context.Context, site string) (DeployInfo, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return DeployInfo{}, err
	}
	if err := e.requireSite(ctx, site, path); err != nil {
		return DeployInfo{}, err
	}

	marker := e.readMarker(ctx, path)
	info := DeployInfo{Site: site}
	if marker == (deployMarker{}) {
		return info, nil
	}
	info.Configured = true
	info.RepoURL = marker.RepoURL
	info.Branch = marker.Branch
	if info.RepoURL != "" && info.Branch == "" {
		info.Branch = "main"
	}

	contentDir := e.deployDir(ctx, path)
	if res, err := e.exec.Run(ctx, fmt.Sprintf(
		"cd %s && git log -1 --format='%%h %%s (%%ar)' 2>/dev/null || echo 'no commits'",
		remote.QuoteArg(contentDir))); err == nil {
		info.LastCommit = strings.TrimSpace(res.Stdout)
	}
	return info, nil
}

// NormalizeGitURL converts git@ remotes to HTTPS, enforces the host
// allowlist, and guarantees a .git suffix.
func NormalizeGitURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", model.Errorf(model.KindValidation, "git URL cannot be empty")
	}
	if m := gitSSHPattern.FindStringSubmatch(raw); m != nil {
		raw = fmt.Sprintf("https://%s/%s", m[1], m[2])
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", model.Errorf(model.KindValidation, "invalid git URL %q", raw)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", model.Errorf(model.KindValidation, "git URL must use HTTPS")
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", model.Errorf(model.KindValidation, "git URL must include a host")
	}
	if !allowedGitHosts[host] {
		return "", model.Errorf(model.KindValidation, "git host %q not allowed", host)
	}
	path := parsed.Path
	if !strings.HasSuffix(path, ".git") {
		path = strings.TrimRight(path, "/") + ".git"
	}
	return "https://" + host + path, nil
}

func validateBranch(branch string) error {
	if branch == "" {
		return model.Errorf(model.KindValidation, "branch name cannot be empty")
	}
	if len(branch) > 255 {
		return model.Errorf(model.KindValidation, "branch name too long")
	}
	if !branchPattern.MatchString(branch) {
		return model.Errorf(model.KindValidation, "branch name %q contains unsupported characters", branch)
	}
	if strings.Contains(branch, "..") {
		return model.Errorf(model.KindValidation, "branch name %q cannot contain '..'", branch)
	}
	return nil
}

// requireSite turns a missing site directory into a NotFound error.
func (e *Engine) requireSite(ctx context.Context, site, path string) error {
	exists, err := e.exec.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return model.Errorf(model.KindNotFound, "site %q not found under %s", site, e.sitesRoot)
	}
	return nil
}

// deployDir resolves where site content lives: static sites mount
// ./public, everything else mounts ./app.
func (e *Engine) deployDir(ctx context.Context, sitePath string) string {
	for _, name := range compose.Candidates {
		raw, err := e.exec.ReadFile(ctx, sitePath+"/"+name)
		if err != nil {
			continue
		}
		manifest := string(raw)
		if strings.Contains(manifest, "./public:") || strings.Contains(manifest, "./public/") {
			return sitePath + "/public"
		}
		return sitePath + "/app"
	}
	return sitePath + "/app"
}

// swapContentDir moves the staged tree into place, keeping the previous
// content as .old until the swap lands so a failure can roll back.
func (e *Engine) swapContentDir(ctx context.Context, site, staging, contentDir string) error {
	old := contentDir + ".old"
	if _, err := e.exec.RunTarget(ctx, site, fmt.Sprintf(
		"rm -rf %s && { test -d %s && mv %s %s || true; }",
		remote.QuoteArg(old), remote.QuoteArg(contentDir), remote.QuoteArg(contentDir), remote.QuoteArg(old))); err != nil {
		return err
	}
	if _, err := e.exec.RunTarget(ctx, site, fmt.Sprintf("mv %s %s",
		remote.QuoteArg(staging), remote.QuoteArg(contentDir))); err != nil {
		e.exec.RunTarget(ctx, site, fmt.Sprintf("test -d %s && mv %s %s || true",
			remote.QuoteArg(old), remote.QuoteArg(old), remote.QuoteArg(contentDir)))
		return err
	}
	e.exec.RunTarget(ctx, site, "rm -rf "+remote.QuoteArg(old))
	return nil
}

// rebuildAfterDeploy rebuilds the stack and reports a failure as a warning
// line; by then the content is already swapped, so the deployment itself
// stands.
func (e *Engine) rebuildAfterDeploy(ctx context.Context, site, sitePath string) string {
	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	res, err := e.exec.RunTarget(ctx, site, fmt.Sprintf(
		"cd %s && docker compose down && docker compose build --no-cache && docker compose up -d 2>&1",
		remote.QuoteArg(sitePath)))
	if err != nil {
		slog.Warn("rebuild after deploy failed", "site", site, "error", err)
		out := ""
		var classified *model.Error
		if errors.As(err, &classified) && classified.Output != "" {
			out = "\n" + classified.Output
		}
		return "warning: rebuild failed: " + err.Error() + out
	}
	return combinedOutput(res)
}

// readMarker loads .siteflow.json; a missing or unparseable marker means
// the site has no recorded deployment.
func (e *Engine) readMarker(ctx context.Context, sitePath string) deployMarker {
	raw, err := e.exec.ReadFile(ctx, sitePath+"/"+markerFile)
	if err != nil {
		return deployMarker{}
	}
	var m deployMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return deployMarker{}
	}
	return m
}

func (e *Engine) writeMarker(ctx context.Context, sitePath string, m deployMarker) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := e.exec.Upload(ctx, sitePath+"/"+markerFile, bytes.NewReader(data)); err != nil {
		slog.Warn("writing deploy marker", "path", sitePath, "error", err)
	}
}

// folderRelPath normalizes one uploaded path: backslashes become slashes,
// the shared root folder is stripped, traversal is rejected. An empty
// result means "skip this entry".
func folderRelPath(name string) (string, error) {
	rel := strings.ReplaceAll(name, "\\", "/")
	if rel == "" {
		return "", nil
	}
	if strings.HasPrefix(rel, "/") {
		return "", model.Errorf(model.KindValidation, "absolute path %q not allowed", name)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", model.Errorf(model.KindValidation, "path %q contains traversal", name)
		}
	}
	if parts := strings.Split(rel, "/"); len(parts) > 1 {
		rel = strings.Join(parts[1:], "/")
	}
	rel = strings.Trim(rel, "/")
	return rel, nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func joinParts(parts []string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, "\n")
}
