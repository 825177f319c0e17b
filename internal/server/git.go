package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/samcloud/node-agent/internal/workspace"
)

type gitStatusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// gitExec runs a git subcommand inside the workspace's devcontainer. The
// argv passes through docker exec verbatim; nothing is shell-interpolated.
func (s *Server) gitExec(c *gin.Context, ws *workspace.Workspace, args ...string) (string, bool) {
	containerID, err := ws.Discovery.GetContainerID(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "container_unavailable", err.Error())
		return "", false
	}
	argv := append([]string{"git"}, args...)
	out, err := s.exec(c.Request.Context(), containerID, s.cfg.Container.User, ws.ContainerWorkDir, argv...)
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "git_failed", err.Error())
		return "", false
	}
	return out, true
}

func (s *Server) handleGitStatus(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	out, ok := s.gitExec(c, ws, "status", "--porcelain=v1", "-b")
	if !ok {
		return
	}

	var branch string
	entries := make([]gitStatusEntry, 0)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch = strings.TrimPrefix(line, "## ")
			// "main...origin/main [ahead 1]" -> "main"
			if idx := strings.Index(branch, "..."); idx >= 0 {
				branch = branch[:idx]
			}
			continue
		}
		if len(line) < 4 {
			continue
		}
		entries = append(entries, gitStatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   line[3:],
		})
	}
	c.JSON(http.StatusOK, gin.H{"branch": branch, "files": entries, "clean": len(entries) == 0})
}

func (s *Server) handleGitBranches(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	out, ok := s.gitExec(c, ws, "branch", "-a", "--format=%(refname:short)")
	if !ok {
		return
	}
	current, ok := s.gitExec(c, ws, "rev-parse", "--abbrev-ref", "HEAD")
	if !ok {
		return
	}

	branches := make([]string, 0)
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"current":  strings.TrimSpace(current),
		"branches": branches,
	})
}

func (s *Server) handleGitDiff(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	args := []string{"diff"}
	if ref := c.Query("ref"); ref != "" {
		if !validGitRef(ref) {
			errorJSON(c, http.StatusBadRequest, "invalid_request", "invalid ref")
			return
		}
		args = append(args, ref)
	}
	if p := c.Query("path"); p != "" {
		if _, err := resolveContainerPath(ws.ContainerWorkDir, p); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_path", err.Error())
			return
		}
		args = append(args, "--", p)
	}
	out, ok := s.gitExec(c, ws, args...)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": out})
}

// handleGitFile returns one file's content at a ref (default HEAD).
func (s *Server) handleGitFile(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	p := c.Query("path")
	if p == "" {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}
	if _, err := resolveContainerPath(ws.ContainerWorkDir, p); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	ref := c.DefaultQuery("ref", "HEAD")
	if !validGitRef(ref) {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "invalid ref")
		return
	}
	out, ok := s.gitExec(c, ws, "show", ref+":"+p)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": p, "ref": ref, "content": out})
}

// handleGitWorktrees lists the repository's worktrees.
func (s *Server) handleGitWorktrees(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	out, ok := s.gitExec(c, ws, "worktree", "list", "--porcelain")
	if !ok {
		return
	}

	type worktree struct {
		Path   string `json:"path"`
		Head   string `json:"head,omitempty"`
		Branch string `json:"branch,omitempty"`
	}
	worktrees := make([]worktree, 0)
	var current worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch ")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": worktrees})
}

// handleGitCredentials serves a short-lived git token to the credential
// helper installed inside the devcontainer. It authenticates with the
// node's own callback token, not a management JWT. The body is the
// git-credential key=value format: the helper pipes it straight to git.
func (s *Server) handleGitCredentials(c *gin.Context) {
	token := s.callbackToken()
	auth := c.GetHeader("Authorization")
	if token == "" || auth != "Bearer "+token {
		errorJSON(c, http.StatusUnauthorized, "unauthorized", "invalid credential helper token")
		return
	}
	if s.gitToken == nil {
		errorJSON(c, http.StatusServiceUnavailable, "unavailable", "git token source not configured")
		return
	}
	gitToken, err := s.gitToken(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "upstream_failed", err.Error())
		return
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK,
		"protocol=https\nhost=github.com\nusername=x-access-token\npassword=%s\n\n", gitToken)
}

// validGitRef rejects refs that could read as git options or escape into
// other syntax. Git's own ref rules are stricter; this gates the obvious.
func validGitRef(ref string) bool {
	if ref == "" || len(ref) > 256 {
		return false
	}
	if strings.HasPrefix(ref, "-") {
		return false
	}
	return !strings.ContainsAny(ref, " \t\n\x00:")
}
