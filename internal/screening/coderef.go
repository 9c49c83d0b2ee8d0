package screening

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

const codeloadBase = "https://codeload.github.com"

// CodeRef is a parsed GitHub repository reference.
type CodeRef struct {
	Owner string
	Repo  string
	// Ref is the branch, tag, or commit named by a tree/blob URL. Empty means
	// the default branch.
	Ref  string
	Path string
}

// ParseCodeRef reads owner, repository, and an optional tree|blob/<ref>/<path>
// suffix from a GitHub URL.
func ParseCodeRef(raw string) (CodeRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return CodeRef{}, fmt.Errorf("parse code reference %q: %w", raw, err)
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return CodeRef{}, fmt.Errorf("code reference %q is not a github url", raw)
	}
	var parts []string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) < 2 {
		return CodeRef{}, fmt.Errorf("code reference %q has no repository", raw)
	}
	ref := CodeRef{Owner: parts[0], Repo: strings.TrimSuffix(parts[1], ".git")}
	if ref.Repo == "" {
		return CodeRef{}, fmt.Errorf("code reference %q has no repository", raw)
	}
	if len(parts) >= 4 && (parts[2] == "tree" || parts[2] == "blob") {
		ref.Ref = parts[3]
		ref.Path = strings.Join(parts[4:], "/")
	}
	return ref, nil
}

// RepoURL is the canonical repository URL.
func (c CodeRef) RepoURL() string {
	return "https://github.com/" + c.Owner + "/" + c.Repo
}

// ArchiveURL follows GitHub's codeload convention for a zip of Ref, or of
// HEAD when no ref was named.
func (c CodeRef) ArchiveURL() string {
	ref := c.Ref
	if ref == "" {
		ref = "HEAD"
	}
	return codeloadBase + "/" + url.PathEscape(c.Owner) + "/" + url.PathEscape(c.Repo) + "/zip/" + url.PathEscape(ref)
}

// ArchiveName is the on-disk file name of the code archive.
func (c CodeRef) ArchiveName() string {
	return harvest.SafeFilename(c.Repo) + ".zip"
}
