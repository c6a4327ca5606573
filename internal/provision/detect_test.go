package provision

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// markerHandler serves a root listing and answers test -e probes from
// the given set of present files.
func markerHandler(listing string, present ...string) func(cmd string) (remote.Result, error) {
	return func(cmd string) (remote.Result, error) {
		if strings.Contains(cmd, "ls -1A") {
			return remote.Result{Stdout: listing}, nil
		}
		if strings.Contains(cmd, "test -e") {
			for _, f := range present {
				if strings.Contains(cmd, "/"+f+" ") {
					return remote.Result{Stdout: "FOUND\n"}, nil
				}
			}
			return remote.Result{Stdout: "ABSENT\n"}, nil
		}
		return remote.Result{}, nil
	}
}

func TestDetect_NodeFromClone(t *testing.T) {
	exec := newFakeExec()
	exec.handler = markerHandler("package.json\nsrc\nREADME.md\n", "package.json")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "https://github.com/user/app.git", "")
	require.NoError(t, err)

	assert.Equal(t, "node", det.DetectedType)
	assert.Equal(t, "high", det.Confidence)
	assert.Equal(t, "found package.json", det.Reason)
	assert.Equal(t, []string{"package.json", "src", "README.md"}, det.FilesChecked)

	assert.True(t, exec.ran("git clone --depth 1 https://github.com/user/app.git /tmp/siteflow-detect-"))
	cmds := exec.commandList()
	assert.Contains(t, cmds[len(cmds)-1], "rm -rf /tmp/siteflow-detect-")
}

func TestDetect_MarkerOrderPrefersNode(t *testing.T) {
	exec := newFakeExec()
	exec.handler = markerHandler("package.json\nrequirements.txt\n", "package.json", "requirements.txt")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/mixed/app")
	require.NoError(t, err)
	assert.Equal(t, "node", det.DetectedType)
}

func TestDetect_PythonByManagePy(t *testing.T) {
	exec := newFakeExec()
	exec.handler = markerHandler("manage.py\napps\n", "manage.py")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/dj/app")
	require.NoError(t, err)
	assert.Equal(t, "python", det.DetectedType)
	assert.Equal(t, "high", det.Confidence)
	assert.Equal(t, "found Django manage.py", det.Reason)
}

func TestDetect_WpContentIsMediumConfidence(t *testing.T) {
	exec := newFakeExec()
	exec.handler = markerHandler("wp-content\nindex.php\n", "wp-content")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/wp/app")
	require.NoError(t, err)
	assert.Equal(t, "wordpress", det.DetectedType)
	assert.Equal(t, "medium", det.Confidence)
}

func TestDetect_DefaultsToStatic(t *testing.T) {
	exec := newFakeExec()
	exec.handler = markerHandler("index.html\nstyle.css\n")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/plain/public")
	require.NoError(t, err)
	assert.Equal(t, "static", det.DetectedType)
	assert.Equal(t, "low", det.Confidence)
	assert.Equal(t, []string{"index.html", "style.css"}, det.FilesChecked)
}

func TestDetect_FilesCheckedCapped(t *testing.T) {
	var listing strings.Builder
	for r := 'a'; r <= 'z'; r++ {
		listing.WriteString(string(r) + ".txt\n")
	}
	exec := newFakeExec()
	exec.handler = markerHandler(listing.String())
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/big/public")
	require.NoError(t, err)
	assert.Len(t, det.FilesChecked, 10)
}

func TestDetect_CloneFailure(t *testing.T) {
	exec := newFakeExec()
	exec.failOn["git clone"] = model.CommandError("git clone failed", "fatal: repository not found")
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "https://github.com/user/gone.git", "")
	require.NoError(t, err)
	assert.Equal(t, "static", det.DetectedType)
	assert.Equal(t, "low", det.Confidence)
	assert.Contains(t, det.Reason, "failed to clone repository")
	assert.Empty(t, det.FilesChecked)

	// the temp dir is still cleaned up
	cmds := exec.commandList()
	assert.Contains(t, cmds[len(cmds)-1], "rm -rf /tmp/siteflow-detect-")
}

func TestDetect_RejectsUnknownGitHost(t *testing.T) {
	exec := newFakeExec()
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "https://evil.example/payload.git", "")
	require.NoError(t, err)
	assert.Equal(t, "static", det.DetectedType)
	assert.Contains(t, det.Reason, "invalid git URL")
	assert.Empty(t, exec.commandList())
}

func TestDetect_NoInput(t *testing.T) {
	exec := newFakeExec()
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "static", det.DetectedType)
	assert.Equal(t, "no git URL or path provided", det.Reason)
}

func TestDetect_DirectoryNotFound(t *testing.T) {
	exec := newFakeExec()
	exec.handler = func(cmd string) (remote.Result, error) {
		if strings.Contains(cmd, "ls -1A") {
			return remote.Result{Stdout: "DIR_NOT_FOUND\n"}, nil
		}
		return remote.Result{}, nil
	}
	p, _, _, _ := newTestProvisioner(t, exec, nil, nil)

	det, err := p.Detect(context.Background(), "", "/srv/sites/ghost")
	require.NoError(t, err)
	assert.Equal(t, "static", det.DetectedType)
	assert.Equal(t, "directory not found", det.Reason)
}
