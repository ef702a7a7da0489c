// Package history archives every stored version of a feature document in a
// per-feature git repository.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

var (
	ErrRevisionNotFound = errors.New("revision not found")
	ErrInvalidFeatureID = errors.New("invalid feature id")

	featureIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

type Revision struct {
	Hash      string    `json:"hash"`
	Version   int64     `json:"version"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits content as the given document version. Content identical to
// the current head produces no commit and returns the head revision, and so
// does a version at or below the one already at the head, so a late writer
// never buries a newer document.
func (s *Service) Record(featureID string, content json.RawMessage, version int64, author string) (Revision, error) {
	if !featureIDPattern.MatchString(featureID) {
		return Revision{}, ErrInvalidFeatureID
	}
	lock := s.featureLock(featureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(featureID)
	if err != nil {
		return Revision{}, err
	}
	if head, ok, err := headCommit(repo); err != nil {
		return Revision{}, err
	} else if ok {
		if headVersion := parseVersion(head.Message); headVersion > 0 && version <= headVersion {
			return toRevision(head), nil
		}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, content, "", "  "); err != nil {
		return Revision{}, fmt.Errorf("format content: %w", err)
	}
	pretty.WriteByte('\n')
	if err := os.WriteFile(filepath.Join(s.repoPath(featureID), contentFile), pretty.Bytes(), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Revision{}, fmt.Errorf("git add content: %w", err)
	}

	if author == "" {
		author = "system"
	}
	hash, err := worktree.Commit(commitMessage(featureID, version), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@circles.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return Revision{}, fmt.Errorf("resolve head: %w", headErr)
		}
		hash = head.Hash()
	} else if err != nil {
		return Revision{}, fmt.Errorf("commit content: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// Log lists revisions newest first. A feature that was never recorded has an
// empty history.
func (s *Service) Log(featureID string, limit int) ([]Revision, error) {
	if !featureIDPattern.MatchString(featureID) {
		return nil, ErrInvalidFeatureID
	}
	lock := s.featureLock(featureID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Revision, 0)
	repo, err := git.PlainOpen(s.repoPath(featureID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content returns the document bytes stored at revision, which may be a full
// or abbreviated commit hash.
func (s *Service) Content(featureID, revision string) (json.RawMessage, Revision, error) {
	if !featureIDPattern.MatchString(featureID) {
		return nil, Revision{}, ErrInvalidFeatureID
	}
	lock := s.featureLock(featureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(featureID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, Revision{}, ErrRevisionNotFound
	}
	if err != nil {
		return nil, Revision{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, revision)
	if err != nil {
		return nil, Revision{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, Revision{}, ErrRevisionNotFound
	}
	if err != nil {
		return nil, Revision{}, fmt.Errorf("read commit %s: %w", revision, err)
	}

	raw, err := readContent(commitObj)
	if err != nil {
		return nil, Revision{}, err
	}
	return raw, toRevision(commitObj), nil
}

func (s *Service) openOrInit(featureID string) (*git.Repository, error) {
	path := s.repoPath(featureID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(featureID string) string {
	return filepath.Join(s.baseDir, featureID)
}

func (s *Service) featureLock(featureID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[featureID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[featureID] = lock
	return lock
}

// headCommit returns the commit at HEAD; ok is false for a repository with no
// commits yet.
func headCommit(repo *git.Repository) (*object.Commit, bool, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("read head commit: %w", err)
	}
	return commitObj, true, nil
}

func commitMessage(featureID string, version int64) string {
	return fmt.Sprintf("version %d\n\nfeature: %s", version, featureID)
}

func parseVersion(message string) int64 {
	first, _, _ := strings.Cut(message, "\n")
	value, ok := strings.CutPrefix(first, "version ")
	if !ok {
		return 0
	}
	version, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return version
}

func readContent(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("decode commit content: %w", err)
	}
	return json.RawMessage(compact.Bytes()), nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String(),
		Version:   parseVersion(commitObj.Message),
		Author:    commitObj.Author.Name,
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, revision string) (plumbing.Hash, error) {
	revision = strings.TrimSpace(revision)
	if revision == "" {
		return plumbing.ZeroHash, ErrRevisionNotFound
	}
	if len(revision) == 40 && plumbing.IsHash(revision) {
		return plumbing.NewHash(revision), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, ErrRevisionNotFound
	}
	return *resolved, nil
}
