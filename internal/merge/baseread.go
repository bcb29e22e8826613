package merge

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// mergeBaseContent reads a file's content at the merge-base commit of
// baseBranch and branch, for filling in Hunk.Base when git's own conflict
// markers were produced without the diff3 common-ancestor section. Returns
// ok=false on any failure (unborn branch, binary file, path absent at the
// merge-base, etc.) -- callers treat a missing Base as "no common-ancestor
// information available", not an error.
func mergeBaseContent(repoPath, baseBranch, branch, path string) (content string, ok bool) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", false
	}

	baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(baseBranch), true)
	if err != nil {
		return "", false
	}
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", false
	}

	baseCommit, err := repo.CommitObject(baseRef.Hash())
	if err != nil {
		return "", false
	}
	branchCommit, err := repo.CommitObject(branchRef.Hash())
	if err != nil {
		return "", false
	}

	bases, err := baseCommit.MergeBase(branchCommit)
	if err != nil || len(bases) == 0 {
		return "", false
	}

	tree, err := bases[0].Tree()
	if err != nil {
		return "", false
	}
	f, err := tree.File(path)
	if err != nil {
		return "", false
	}
	content, err = f.Contents()
	if err != nil {
		return "", false
	}
	return content, true
}
