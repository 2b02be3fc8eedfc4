package sourcewatcher

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/gitfleet/gitfleet/internal/fleet"
)

// gitClient resolves remote heads and materializes commit trees. Injectable
// so tests can run without a git remote.
type gitClient interface {
	// Head returns the commit hash the branch currently points at.
	Head(ctx context.Context, url, branch, credentialRef string) (string, error)
	// Checkout clones the branch head into dir and returns the commit hash
	// actually checked out.
	Checkout(ctx context.Context, url, branch, dir, credentialRef string) (string, error)
}

// goGitClient implements gitClient on go-git. Head uses a remote ls without
// cloning; Checkout does a depth-1 single-branch clone.
type goGitClient struct{}

func (g *goGitClient) Head(ctx context.Context, url, branch, credentialRef string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: authFor(credentialRef)})
	if err != nil {
		return "", wrapFetchErr(url, err)
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", &fleet.FetchError{URL: url, Err: fmt.Errorf("branch %q not found", branch)}
}

func (g *goGitClient) Checkout(ctx context.Context, url, branch, dir, credentialRef string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkout dir: %w", err)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Auth:          authFor(credentialRef),
	})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(dir)
	}
	if err != nil {
		return "", wrapFetchErr(url, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", wrapFetchErr(url, err)
	}
	return head.Hash().String(), nil
}

// authFor resolves a credential reference to a transport auth method. The
// reference names an environment variable holding an access token.
func authFor(credentialRef string) transport.AuthMethod {
	if credentialRef == "" {
		return nil
	}
	token := os.Getenv(credentialRef)
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "git", Password: token}
}

// wrapFetchErr classifies a go-git transport error. Authentication
// rejections are terminal; everything else stays retryable.
func wrapFetchErr(url string, err error) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return &fleet.FetchError{URL: url, Err: fmt.Errorf("%w: %v", fleet.ErrAuthFailed, err)}
	}
	return &fleet.FetchError{URL: url, Err: err}
}
