package vulnrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GetRepo opens the bare clone at path, cloning remote first when it does
// not exist yet.
func GetRepo(ctx context.Context, remote, path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}

	repo, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
		URL:      remote,
		Progress: nil,
	})

	return repo, err
}

func UpdateRepo(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec("+refs/heads/*:refs/heads/*")},
		Force:    true,
	})

	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// WalkRecords decodes every JSON file in the tree of HEAD and calls fn with
// it. Files that are not CVE records are reported to onError and skipped.
func WalkRecords(
	repo *git.Repository,
	fn func(name string, record Record) error,
	onError func(name string, err error),
) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("could not read HEAD: %w", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("could not read commit object: %w", err)
	}

	tree, err := repo.TreeObject(commit.TreeHash)
	if err != nil {
		return fmt.Errorf("could not read tree object: %w", err)
	}

	seen := map[plumbing.Hash]bool{}
	walker := object.NewTreeWalker(tree, true, seen)
	defer walker.Close()

	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not walk tree: %w", err)
		}
		if !entry.Mode.IsFile() || path.Ext(name) != ".json" {
			continue
		}

		record, err := readRecord(repo, entry.Hash)
		if err != nil {
			onError(name, err)
			continue
		}
		if err := fn(name, record); err != nil {
			return err
		}
	}
}

func readRecord(repo *git.Repository, hash plumbing.Hash) (Record, error) {
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return Record{}, fmt.Errorf("could not read blob: %w", err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return Record{}, fmt.Errorf("could not create reader for blob: %w", err)
	}
	defer reader.Close()

	return DecodeRecord(reader)
}

func DecodeRecord(r io.Reader) (Record, error) {
	record := Record{}
	if err := json.NewDecoder(r).Decode(&record); err != nil {
		return Record{}, fmt.Errorf("could not decode cve record: %w", err)
	}
	if record.CveMetadata.CveID == "" {
		return Record{}, fmt.Errorf("record has no cveId")
	}
	return record, nil
}
