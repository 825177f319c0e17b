package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/samcloud/node-agent/internal/workspace"
)

var errInvalidPath = errors.New("path must be relative and stay inside the workspace")

type fileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// handleFiles serves directory listings, recursive trees, and name search
// inside the devcontainer. Operations run via docker exec; paths are
// validated and resolved under the container work dir.
func (s *Server) handleFiles(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}

	rel := c.Query("path")
	dir, err := resolveContainerPath(ws.ContainerWorkDir, rel)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	containerID, err := ws.Discovery.GetContainerID(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "container_unavailable", err.Error())
		return
	}

	op := c.DefaultQuery("op", "list")
	switch op {
	case "list":
		s.filesList(c, ws, containerID, dir)
	case "tree":
		s.filesTree(c, ws, containerID, dir)
	case "find":
		s.filesFind(c, ws, containerID, dir)
	default:
		errorJSON(c, http.StatusBadRequest, "invalid_request", "op must be list, tree, or find")
	}
}

func (s *Server) filesList(c *gin.Context, ws *workspace.Workspace, containerID, dir string) {
	// -p marks directories with a trailing slash.
	out, err := s.exec(c.Request.Context(), containerID, s.cfg.Container.User, dir, "ls", "-1Ap", ".")
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "exec_failed", err.Error())
		return
	}
	limit := s.fileLimit(c, s.cfg.Limits.FileListLimit)
	entries := make([]fileEntry, 0)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if len(entries) >= limit {
			break
		}
		isDir := strings.HasSuffix(line, "/")
		entries = append(entries, fileEntry{
			Path:  path.Join(dir, strings.TrimSuffix(line, "/")),
			IsDir: isDir,
		})
	}
	c.JSON(http.StatusOK, gin.H{"path": dir, "entries": entries})
}

func (s *Server) filesTree(c *gin.Context, ws *workspace.Workspace, containerID, dir string) {
	depth, _ := strconv.Atoi(c.Query("depth"))
	if depth <= 0 || depth > 10 {
		depth = 5
	}
	out, err := s.exec(c.Request.Context(), containerID, s.cfg.Container.User, dir,
		"find", ".", "-maxdepth", strconv.Itoa(depth),
		"-not", "-path", "./.git/*", "-not", "-name", ".git")
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "exec_failed", err.Error())
		return
	}
	limit := s.fileLimit(c, s.cfg.Limits.FileListLimit)
	paths := make([]string, 0)
	truncated := false
	for _, line := range strings.Split(out, "\n") {
		if line == "" || line == "." {
			continue
		}
		if len(paths) >= limit {
			truncated = true
			break
		}
		paths = append(paths, path.Join(dir, strings.TrimPrefix(line, "./")))
	}
	c.JSON(http.StatusOK, gin.H{"path": dir, "paths": paths, "truncated": truncated})
}

func (s *Server) filesFind(c *gin.Context, ws *workspace.Workspace, containerID, dir string) {
	query := c.Query("q")
	if query == "" || strings.ContainsAny(query, "/\x00") {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "q is required and must be a file name fragment")
		return
	}
	out, err := s.exec(c.Request.Context(), containerID, s.cfg.Container.User, dir,
		"find", ".", "-iname", "*"+query+"*",
		"-not", "-path", "./.git/*")
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "exec_failed", err.Error())
		return
	}
	limit := s.fileLimit(c, s.cfg.Limits.FileFindLimit)
	matches := make([]string, 0)
	truncated := false
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if len(matches) >= limit {
			truncated = true
			break
		}
		matches = append(matches, path.Join(dir, strings.TrimPrefix(line, "./")))
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "matches": matches, "truncated": truncated})
}

func (s *Server) fileLimit(c *gin.Context, max int) int {
	if max <= 0 {
		max = 2000
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// resolveContainerPath joins a client-supplied relative path onto the work
// dir, rejecting escapes.
func resolveContainerPath(workDir, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", errInvalidPath
	}
	if rel == "" {
		return workDir, nil
	}
	if path.IsAbs(rel) {
		return "", errInvalidPath
	}
	joined := path.Join(workDir, rel)
	if joined != workDir && !strings.HasPrefix(joined, workDir+"/") {
		return "", errInvalidPath
	}
	return joined, nil
}
