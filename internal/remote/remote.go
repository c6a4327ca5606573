// Package remote executes commands on the managed Docker host over SSH.
//
// A single multiplexed SSH connection carries up to pool_size concurrent
// sessions. Broken connections are discarded and redialed on the next
// command. Mutating commands are never retried; idempotent reads retry
// once after a transport failure.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
)

// Result holds the outcome of a completed remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Chunk is a single line of streamed command output. A terminal failure is
// delivered as the last chunk with Err set.
type Chunk struct {
	Line string
	Err  error
}

// Executor runs shell commands on the configured host. It is safe for
// concurrent use.
type Executor struct {
	cfg       config.SSHConfig
	clientCfg *ssh.ClientConfig

	sem chan struct{}

	mu      sync.Mutex
	client  *ssh.Client
	lastUse time.Time

	targetsMu sync.Mutex
	targets   map[string]*sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an executor for the given SSH target. The private key is
// parsed once here rather than on every command.
func New(cfg config.SSHConfig) (*Executor, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key %s: %w", cfg.KeyPath, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // single managed host on trusted network when known_hosts is unset
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", cfg.KnownHosts, err)
		}
		hostKeys = cb
	}

	e := &Executor{
		cfg: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.ConnectTimeout.Duration,
		},
		sem:     make(chan struct{}, cfg.PoolSize),
		targets: make(map[string]*sync.Mutex),
		done:    make(chan struct{}),
	}
	go e.janitor()
	return e, nil
}

// Close shuts down the idle janitor and drops the connection.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}

// Run executes cmd and waits for completion. A nonzero exit returns the
// populated Result alongside a CommandFailure error.
func (e *Executor) Run(ctx context.Context, cmd string) (Result, error) {
	return e.exec(ctx, cmd, nil, false)
}

// RunTarget executes cmd while holding the serialization lock for target.
// Commands against the same target never overlap; distinct targets proceed
// in parallel up to the pool size.
func (e *Executor) RunTarget(ctx context.Context, target, cmd string) (Result, error) {
	mu := e.targetLock(target)
	mu.Lock()
	defer mu.Unlock()
	return e.exec(ctx, cmd, nil, false)
}

// RunStream executes cmd under target's lock and streams stdout lines.
// The channel closes when the command finishes; callers must cancel ctx if
// they stop reading early or the stream goroutine will block.
func (e *Executor) RunStream(ctx context.Context, target, cmd string) (<-chan Chunk, error) {
	mu := e.targetLock(target)
	mu.Lock()

	cleanup, session, err := e.openSession(ctx)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	pipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		cleanup()
		mu.Unlock()
		return nil, model.WrapErr(model.KindTransport, err, "opening stdout pipe")
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		cleanup()
		mu.Unlock()
		return nil, model.WrapErr(model.KindTransport, err, "starting command")
	}

	out := make(chan Chunk, 16)
	go func() {
		defer func() {
			session.Close()
			cleanup()
			mu.Unlock()
			close(out)
		}()

		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				session.Close()
			case <-watchDone:
			}
		}()

		sc := bufio.NewScanner(pipe)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case out <- Chunk{Line: sc.Text()}:
			case <-ctx.Done():
				return
			}
		}

		if err := session.Wait(); err != nil {
			final := Chunk{Err: waitError(ctx, err, stderr.String())}
			select {
			case out <- final:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Upload writes the contents of r to path on the remote host. The parent
// directory must already exist. Uploads are never retried.
func (e *Executor) Upload(ctx context.Context, path string, r io.Reader) error {
	cmd := "cat > " + QuoteArg(path)
	if _, err := e.exec(ctx, cmd, r, false); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the contents of path. Missing or unreadable files report
// NotFound. Reads retry once after a transport failure.
func (e *Executor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := e.exec(ctx, "cat "+QuoteArg(path), nil, true)
	if err != nil {
		if model.IsKind(err, model.KindCommandFailure) {
			return nil, model.Errorf(model.KindNotFound, "file %s: %s", path, strings.TrimSpace(res.Stderr))
		}
		return nil, err
	}
	return []byte(res.Stdout), nil
}

// ListDirs returns the names of immediate subdirectories of root, sorted.
func (e *Executor) ListDirs(ctx context.Context, root string) ([]string, error) {
	cmd := fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -type d -printf '%%f\n' | sort`, QuoteArg(root))
	res, err := e.exec(ctx, cmd, nil, true)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	var dirs []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// FileExists reports whether path exists as a regular file.
func (e *Executor) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := e.exec(ctx, "test -f "+QuoteArg(path), nil, true)
	if err != nil {
		if model.IsKind(err, model.KindCommandFailure) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// safeArgPattern matches strings that need no shell quoting.
var safeArgPattern = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// QuoteArg returns s quoted for safe interpolation into a POSIX shell
// command line.
func QuoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if safeArgPattern.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exec acquires a pool slot, dials if needed, and runs cmd in a fresh
// session. When retry is set a transport failure triggers one redial.
func (e *Executor) exec(ctx context.Context, cmd string, stdin io.Reader, retry bool) (Result, error) {
	res, err := e.execOnce(ctx, cmd, stdin)
	if err != nil && retry && model.IsKind(err, model.KindTransport) && ctx.Err() == nil {
		slog.Debug("retrying after transport error", "error", err)
		return e.execOnce(ctx, cmd, stdin)
	}
	return res, err
}

func (e *Executor) execOnce(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	cleanup, session, err := e.openSession(ctx)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-errCh
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Duration: time.Since(start)}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, model.WrapErr(model.KindTimeout, ctx.Err(), "command timed out after %s", res.Duration.Round(time.Millisecond))
		}
		return res, model.WrapErr(model.KindTransport, ctx.Err(), "command canceled")
	case err = <-errCh:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, commandError(res)
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		res.ExitCode = -1
		return res, commandError(res)
	}
	return res, model.WrapErr(model.KindTransport, err, "running command")
}

// openSession takes a pool slot and opens a session on the shared
// connection, redialing once if the cached connection is dead. The returned
// cleanup releases the pool slot.
func (e *Executor) openSession(ctx context.Context) (func(), *ssh.Session, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, model.WrapErr(model.KindTimeout, ctx.Err(), "waiting for session slot")
	}
	release := func() { <-e.sem }

	client, err := e.dial(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		e.discard(client)
		client, err = e.dial(ctx)
		if err != nil {
			release()
			return nil, nil, err
		}
		session, err = client.NewSession()
		if err != nil {
			e.discard(client)
			release()
			return nil, nil, model.WrapErr(model.KindTransport, err, "opening SSH session")
		}
	}
	return release, session, nil
}

func (e *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.lastUse = time.Now()
		return e.client, nil
	}

	addr := e.cfg.Addr()
	dialer := net.Dialer{Timeout: e.clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, model.WrapErr(model.KindTransport, err, "connecting to %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.clientCfg)
	if err != nil {
		conn.Close()
		return nil, model.WrapErr(model.KindTransport, err, "SSH handshake with %s", addr)
	}
	e.client = ssh.NewClient(sshConn, chans, reqs)
	e.lastUse = time.Now()
	slog.Debug("ssh connected", "addr", addr)
	return e.client, nil
}

// discard drops the cached connection if it is still the given one.
func (e *Executor) discard(c *ssh.Client) {
	e.mu.Lock()
	if e.client == c {
		e.client = nil
	}
	e.mu.Unlock()
	c.Close()
}

func (e *Executor) targetLock(target string) *sync.Mutex {
	e.targetsMu.Lock()
	defer e.targetsMu.Unlock()
	mu, ok := e.targets[target]
	if !ok {
		mu = &sync.Mutex{}
		e.targets[target] = mu
	}
	return mu
}

// janitor closes the connection after idle_timeout without use.
func (e *Executor) janitor() {
	interval := e.cfg.IdleTimeout.Duration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.client != nil && time.Since(e.lastUse) > e.cfg.IdleTimeout.Duration {
				slog.Debug("closing idle ssh connection")
				e.client.Close()
				e.client = nil
			}
			e.mu.Unlock()
		}
	}
}

func commandError(res Result) error {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	return model.CommandError(fmt.Sprintf("command failed (exit %d)", res.ExitCode), out)
}

func waitError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.WrapErr(model.KindTimeout, ctx.Err(), "command timed out")
		}
		return model.WrapErr(model.KindTransport, ctx.Err(), "command canceled")
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return model.CommandError(fmt.Sprintf("command failed (exit %d)", exitErr.ExitStatus()), strings.TrimSpace(stderr))
	}
	return model.WrapErr(model.KindTransport, err, "command failed")
}
