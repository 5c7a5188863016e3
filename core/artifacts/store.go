// Package artifacts persists trained model sets as atomically committed
// snapshots.
//
// Directory structure:
//
//	root/
//	  .lock                  <- advisory lock serializing writers
//	  current                <- symlink to the active snapshot
//	  snapshot_v3/           <- committed snapshot
//	  snapshot_v4_pending/   <- snapshot being written
//
// A set becomes visible only when the current link is swapped, so readers
// see either the previous complete set or the new one.
package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/cluster"
	tlerrors "github.com/adalundhe/threatlens/core/errors"
)

// Artifact file names.
const (
	ClassifierFile     = "phishing_url_detector.json"
	ClustererFile      = "threat_actor_profiler.json"
	ImportancePlotFile = "feature_importance.png"
	ClusterPlotFile    = "threat_clusters.png"
	ManifestFile       = "manifest.json"
)

// Directory naming conventions.
const (
	CurrentLink    = "current"
	SnapshotPrefix = "snapshot_v"
	PendingSuffix  = "_pending"
	lockFile       = ".lock"
)

// hashedFiles are covered by the manifest, in write order.
var hashedFiles = []string{ClassifierFile, ClustererFile, ImportancePlotFile, ClusterPlotFile}

// Step names a point in Save where a fault hook may fail the commit.
type Step string

const (
	StepWrite  Step = "write"
	StepSync   Step = "sync"
	StepRename Step = "rename"
	StepSwap   Step = "swap"
)

// Metadata identifies the run that produced a bundle.
type Metadata struct {
	RunID         string    `json:"run_id"`
	Seed          int64     `json:"seed"`
	Samples       int       `json:"samples"`
	ProfileDigest string    `json:"profile_digest"`
	CreatedAt     time.Time `json:"created_at"`
}

// Bundle is everything one training run persists.
type Bundle struct {
	Classifier    *classifier.Classifier
	Clusterer     *cluster.Model
	ImportancePNG []byte
	ClustersPNG   []byte
	Meta          Metadata
}

// Manifest records the snapshot version and a SHA-256 per artifact file.
type Manifest struct {
	Version uint32            `json:"version"`
	Run     Metadata          `json:"run"`
	Files   map[string]string `json:"files"`
}

// Set is a loaded, verified snapshot.
type Set struct {
	Classifier *classifier.Classifier
	Clusterer  *cluster.Model
	Manifest   *Manifest
	Dir        string
}

// Paths are the well-known locations under a store root.
type Paths struct {
	Root           string
	Current        string
	Classifier     string
	Clusterer      string
	ImportancePlot string
	ClusterPlot    string
	Manifest       string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFaultHook installs a hook called before each commit step. A non-nil
// return fails Save at that step.
func WithFaultHook(hook func(Step) error) Option {
	return func(s *Store) { s.fault = hook }
}

// Store manages snapshots under a root directory.
type Store struct {
	root   string
	logger *slog.Logger
	fault  func(Step) error

	// mu serializes writers within the process; the file lock serializes
	// them across processes.
	mu sync.Mutex
}

// NewStore opens or creates a store and removes pending snapshots left by
// an interrupted writer.
func NewStore(root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}

	unlock, err := s.lockExclusive()
	if err != nil {
		return nil, err
	}
	defer unlock()
	s.cleanupPending()
	return s, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Paths returns the fixed artifact locations, resolved through the current
// link.
func (s *Store) Paths() Paths {
	cur := filepath.Join(s.root, CurrentLink)
	return Paths{
		Root:           s.root,
		Current:        cur,
		Classifier:     filepath.Join(cur, ClassifierFile),
		Clusterer:      filepath.Join(cur, ClustererFile),
		ImportancePlot: filepath.Join(cur, ImportancePlotFile),
		ClusterPlot:    filepath.Join(cur, ClusterPlotFile),
		Manifest:       filepath.Join(cur, ManifestFile),
	}
}

// Exists reports whether a committed snapshot with all artifact files is in
// place. It does not verify hashes.
func (s *Store) Exists() bool {
	p := s.Paths()
	for _, f := range []string{p.Manifest, p.Classifier, p.Clusterer, p.ImportancePlot, p.ClusterPlot} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Save writes b as a new snapshot and makes it current. On any failure the
// pending directory is removed and the previous snapshot stays current.
// Older snapshots are deleted after a successful swap. It returns the new
// snapshot directory.
func (s *Store) Save(b *Bundle) (string, error) {
	if b == nil || b.Classifier == nil || b.Clusterer == nil {
		return "", fmt.Errorf("artifacts: incomplete bundle")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockExclusive()
	if err != nil {
		return "", err
	}
	defer unlock()

	version := s.nextVersion()
	finalName := fmt.Sprintf("%s%d", SnapshotPrefix, version)
	pending := filepath.Join(s.root, finalName+PendingSuffix)
	final := filepath.Join(s.root, finalName)

	if err := s.commit(b, version, pending, final, finalName); err != nil {
		_ = os.RemoveAll(pending)
		return "", err
	}

	s.prune(finalName)
	s.logger.Info("committed artifact snapshot",
		"dir", final,
		"version", version,
		"run_id", b.Meta.RunID,
	)
	return final, nil
}

func (s *Store) commit(b *Bundle, version uint32, pending, final, finalName string) error {
	if err := os.MkdirAll(pending, 0o755); err != nil {
		return fmt.Errorf("create pending directory: %w", err)
	}

	contents, err := encodeBundle(b)
	if err != nil {
		return err
	}

	manifest := Manifest{Version: version, Run: b.Meta, Files: make(map[string]string, len(hashedFiles))}
	if err := s.step(StepWrite); err != nil {
		return err
	}
	for _, name := range hashedFiles {
		data := contents[name]
		sum := sha256.Sum256(data)
		manifest.Files[name] = hex.EncodeToString(sum[:])
		if err := writeFileSync(filepath.Join(pending, name), data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	mdata, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(pending, ManifestFile), mdata); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := s.step(StepSync); err != nil {
		return err
	}
	if err := syncDir(pending); err != nil {
		return fmt.Errorf("sync pending directory: %w", err)
	}

	if err := s.step(StepRename); err != nil {
		return err
	}
	if err := os.Rename(pending, final); err != nil {
		return fmt.Errorf("rename pending to final: %w", err)
	}

	if err := s.step(StepSwap); err != nil {
		_ = os.RemoveAll(final)
		return err
	}
	if err := s.updateCurrentLink(finalName); err != nil {
		_ = os.RemoveAll(final)
		return fmt.Errorf("update current link: %w", err)
	}
	return syncDir(s.root)
}

func (s *Store) step(st Step) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(st); err != nil {
		return fmt.Errorf("artifacts: %s: %w", st, err)
	}
	return nil
}

func encodeBundle(b *Bundle) (map[string][]byte, error) {
	var cbuf, kbuf bytes.Buffer
	if err := b.Classifier.Encode(&cbuf); err != nil {
		return nil, fmt.Errorf("encode classifier: %w", err)
	}
	if err := b.Clusterer.Encode(&kbuf); err != nil {
		return nil, fmt.Errorf("encode clusterer: %w", err)
	}
	return map[string][]byte{
		ClassifierFile:     cbuf.Bytes(),
		ClustererFile:      kbuf.Bytes(),
		ImportancePlotFile: b.ImportancePNG,
		ClusterPlotFile:    b.ClustersPNG,
	}, nil
}

// Load reads and verifies the current snapshot.
func (s *Store) Load() (*Set, error) {
	const op = "artifacts.Load"

	unlock, err := s.lockShared()
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir, err := s.currentDir()
	if err != nil {
		return nil, err
	}

	mdata, err := readArtifact(dir, ManifestFile)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(mdata, &manifest); err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, op, "invalid manifest", err)
	}

	files := make(map[string][]byte, len(hashedFiles))
	for _, name := range hashedFiles {
		data, err := readArtifact(dir, name)
		if err != nil {
			return nil, err
		}
		want, ok := manifest.Files[name]
		if !ok {
			return nil, tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "manifest has no hash for %s", name)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "%s hash mismatch: manifest %s, file %s", name, want, got)
		}
		files[name] = data
	}

	clf, err := classifier.Decode(bytes.NewReader(files[ClassifierFile]))
	if err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, op, ClassifierFile, err)
	}
	clu, err := cluster.Decode(bytes.NewReader(files[ClustererFile]))
	if err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, op, ClustererFile, err)
	}

	return &Set{Classifier: clf, Clusterer: clu, Manifest: &manifest, Dir: dir}, nil
}

// ReadManifest returns the current manifest without decoding the models.
func (s *Store) ReadManifest() (*Manifest, error) {
	unlock, err := s.lockShared()
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir, err := s.currentDir()
	if err != nil {
		return nil, err
	}
	data, err := readArtifact(dir, ManifestFile)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, "artifacts.ReadManifest", "invalid manifest", err)
	}
	return &m, nil
}

// Clean removes the current link and every snapshot, committed or pending.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(filepath.Join(s.root, CurrentLink)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove current link: %w", err)
	}
	for _, name := range s.snapshotDirs() {
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	s.logger.Info("cleaned artifact store", "root", s.root)
	return nil
}

// CurrentDir resolves the current link.
func (s *Store) CurrentDir() (string, error) {
	return s.currentDir()
}

func (s *Store) currentDir() (string, error) {
	link := filepath.Join(s.root, CurrentLink)
	target, err := os.Readlink(link)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", tlerrors.New(tlerrors.KindArtifactMissing, "artifacts.Load", "no current snapshot; run training first")
		}
		return "", tlerrors.Wrap(tlerrors.KindArtifactCorrupt, "artifacts.Load", "read current link", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.root, target)
	}
	return target, nil
}

func readArtifact(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, tlerrors.Newf(tlerrors.KindArtifactMissing, "artifacts.Load", "%s not found", name)
		}
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, "artifacts.Load", "read "+name, err)
	}
	return data, nil
}

func (s *Store) lockExclusive() (func(), error) {
	fl := flock.New(filepath.Join(s.root, lockFile))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock artifact store: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *Store) lockShared() (func(), error) {
	fl := flock.New(filepath.Join(s.root, lockFile))
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("lock artifact store: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// cleanupPending removes directories left by interrupted writers.
func (s *Store) cleanupPending() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), PendingSuffix) {
			s.logger.Warn("removing stale pending snapshot", "dir", e.Name())
			_ = os.RemoveAll(filepath.Join(s.root, e.Name()))
		}
	}
}

// snapshotDirs lists snapshot directories, pending included, sorted by name.
func (s *Store) snapshotDirs() []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), SnapshotPrefix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// prune removes every snapshot except keep.
func (s *Store) prune(keep string) {
	for _, name := range s.snapshotDirs() {
		if name == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			s.logger.Warn("failed to prune snapshot", "dir", name, "error", err)
		}
	}
}

func (s *Store) nextVersion() uint32 {
	var maxVersion uint32
	for _, name := range s.snapshotDirs() {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSuffix(name, PendingSuffix), SnapshotPrefix), 10, 32)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint32(v))
	}
	return maxVersion + 1
}

// updateCurrentLink swaps the current symlink via a temporary link and a
// rename.
func (s *Store) updateCurrentLink(target string) error {
	link := filepath.Join(s.root, CurrentLink)
	tmp := filepath.Join(s.root, fmt.Sprintf(".current_%d", time.Now().UnixNano()))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp link: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
