package agentpoller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rlemke/agentflow/internal/aflerr"
	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/lock"
)

// mavenCoordinate is a parsed mvn: module URI:
// mvn:groupId:artifactId:version[:classifier].
type mavenCoordinate struct {
	Group      string
	Artifact   string
	Version    string
	Classifier string
}

func parseMavenURI(uri string) (mavenCoordinate, error) {
	const scheme = "mvn:"
	if !strings.HasPrefix(uri, scheme) {
		return mavenCoordinate{}, fmt.Errorf("agentpoller: module uri %q does not use the mvn: scheme", uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, scheme), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return mavenCoordinate{}, fmt.Errorf("agentpoller: malformed mvn uri %q (want groupId:artifactId:version[:classifier])", uri)
	}
	c := mavenCoordinate{Group: parts[0], Artifact: parts[1], Version: parts[2]}
	if len(parts) == 4 {
		c.Classifier = parts[3]
	}
	if c.Group == "" || c.Artifact == "" || c.Version == "" {
		return mavenCoordinate{}, fmt.Errorf("agentpoller: malformed mvn uri %q (empty component)", uri)
	}
	return c, nil
}

func (c mavenCoordinate) jarName() string {
	name := fmt.Sprintf("%s-%s", c.Artifact, c.Version)
	if c.Classifier != "" {
		name += "-" + c.Classifier
	}
	return name + ".jar"
}

func (c mavenCoordinate) String() string {
	s := fmt.Sprintf("%s:%s:%s", c.Group, c.Artifact, c.Version)
	if c.Classifier != "" {
		s += ":" + c.Classifier
	}
	return s
}

// artifactResolver resolves mvn: coordinates to a locally cached jar path,
// downloading from ArtifactRepositoryURL on a cache miss. Per-artifact
// download serialization is the caller's responsibility (via
// lock.ArtifactKey), mirroring maven_runner.py's download lock map.
type artifactResolver struct {
	cacheDir string
	repoURL  string
	client   *http.Client
}

func newArtifactResolver(cacheDir, repoURL string) *artifactResolver {
	return &artifactResolver{
		cacheDir: cacheDir,
		repoURL:  strings.TrimSuffix(repoURL, "/"),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *artifactResolver) localPath(c mavenCoordinate) string {
	groupPath := strings.ReplaceAll(c.Group, ".", string(filepath.Separator))
	return filepath.Join(r.cacheDir, groupPath, c.Artifact, c.Version, c.jarName())
}

// resolve returns the local jar path for c, downloading it first if the
// cache doesn't already have a non-empty file there. Callers must hold the
// per-artifact lock before calling.
func (r *artifactResolver) resolve(ctx context.Context, c mavenCoordinate) (string, error) {
	path := r.localPath(c)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	return r.download(ctx, c, path)
}

func (r *artifactResolver) download(ctx context.Context, c mavenCoordinate, path string) (string, error) {
	groupURLPath := strings.ReplaceAll(c.Group, ".", "/")
	url := fmt.Sprintf("%s/%s/%s/%s/%s", r.repoURL, groupURLPath, c.Artifact, c.Version, c.jarName())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: fmt.Errorf("http %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	tmp := path + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return "", &aflerr.DownloadFailureError{Coordinate: c.String(), Cause: err}
	}
	return path, nil
}

// dispatchArtifact resolves reg's mvn: artifact, launches a JVM subprocess
// against task's step ID, and enforces reg's configured timeout. The
// launched program is expected to read its step's params and write its
// returns through the same persistence backend (addressed via environment
// variables), then exit zero.
func (p *Poller) dispatchArtifact(ctx context.Context, reg *entities.HandlerRegistration, task *entities.Task) (map[string]any, error) {
	coord, err := parseMavenURI(reg.ModuleURI)
	if err != nil {
		return nil, &aflerr.ResolutionFailureError{Coordinate: reg.ModuleURI, Cause: err}
	}

	lockKey := lock.ArtifactKey(coord.Group, coord.Artifact, coord.Version, coord.Classifier)
	held, err := p.locks.AcquireAndHold(ctx, lockKey, lock.DefaultLease, 200*time.Millisecond, nil)
	if err != nil {
		return nil, &aflerr.DownloadFailureError{Coordinate: coord.String(), Cause: err}
	}
	defer held.Release(context.Background())

	jarPath, err := p.artifacts.resolve(ctx, coord)
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.DefaultTimeout
	if reg.TimeoutMS > 0 {
		timeout = time.Duration(reg.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{}
	if jvmArgs, ok := reg.Metadata["jvm_args"]; ok && jvmArgs != "" {
		args = append(args, strings.Fields(jvmArgs)...)
	}
	if reg.Entrypoint != "" {
		args = append(args, "-cp", jarPath, reg.Entrypoint, string(task.StepID))
	} else {
		args = append(args, "-jar", jarPath, string(task.StepID))
	}

	cmd := exec.CommandContext(runCtx, p.cfg.JavaCmd, args...)
	cmd.Env = append(os.Environ(), "AFL_STEP_ID="+string(task.StepID))
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &aflerr.TimeoutError{FacetName: task.Name, Budget: timeout}
		}
		return nil, &aflerr.HandlerError{FacetName: task.Name, Cause: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	return p.readStepReturns(ctx, task.StepID)
}

// readStepReturns reads back the return attributes the subprocess wrote
// onto its step, mirroring maven_runner.py's _read_step_returns.
func (p *Poller) readStepReturns(ctx context.Context, stepID afltypes.StepId) (map[string]any, error) {
	s, err := p.port.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return map[string]any{}, nil
	}
	return s.Attributes.ReturnsToMap(), nil
}
