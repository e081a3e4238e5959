package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"makerd/internal/codeops"
	"makerd/internal/logging"
)

// permissionsFileName is looked up in the workspace root and in the
// user's global config directory; both files merge, blocklist wins.
const permissionsFileName = ".maker.json"

const globalConfigDir = "makerd"

// ToolDescriptor describes one MCP tool for discovery.
type ToolDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

// ToolService dispatches MCP tool calls to the code service under the
// merged permission policy.
type ToolService struct {
	code      *codeops.Service
	workspace string
}

// NewToolService wraps the code service for MCP dispatch.
func NewToolService(code *codeops.Service, workspace string) *ToolService {
	return &ToolService{code: code, workspace: workspace}
}

var toolDescriptors = []ToolDescriptor{
	{
		Name:        "read_file",
		Description: "Read a file from the codebase, semantically chunked when large.",
		Parameters:  map[string]string{"path": "string", "chunked": "bool (optional)"},
	},
	{
		Name:        "analyze_file",
		Description: "Report language, size, line count and dependencies of one file.",
		Parameters:  map[string]string{"path": "string"},
	},
	{
		Name:        "analyze_codebase",
		Description: "Summarise the codebase: files, lines, languages, dependencies.",
		Parameters:  map[string]string{},
	},
	{
		Name:        "search_docs",
		Description: "Substring search over markdown documentation.",
		Parameters:  map[string]string{"query": "string"},
	},
	{
		Name:        "find_references",
		Description: "Locate definitions and usages of a symbol.",
		Parameters:  map[string]string{"symbol": "string"},
	},
	{
		Name:        "find_callers",
		Description: "Direct callers of a symbol from the persisted call graph.",
		Parameters:  map[string]string{"symbol": "string"},
	},
	{
		Name:        "impact_analysis",
		Description: "Transitive closure of everything a symbol reaches.",
		Parameters:  map[string]string{"symbol": "string"},
	},
	{
		Name:        "git_diff",
		Description: "Uncommitted changes, optionally limited to one file.",
		Parameters:  map[string]string{"file": "string (optional)"},
	},
	{
		Name:        "run_tests",
		Description: "Run the project's tests, optionally one test file.",
		Parameters:  map[string]string{"test_file": "string (optional)"},
	},
}

// ListTools returns the MCP tool descriptors.
func (s *Server) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": toolDescriptors})
}

type toolCallRequest struct {
	Tool string                     `json:"tool"`
	Args map[string]json.RawMessage `json:"args"`
}

// CallTool dispatches one MCP tool invocation.
func (s *Server) CallTool(c *gin.Context) {
	if s.tools == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code tools are not configured"})
		return
	}
	var req toolCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tool == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool is required"})
		return
	}

	perms := s.tools.loadPermissions()
	if !perms.Allowed(req.Tool) {
		c.JSON(http.StatusForbidden, gin.H{"error": "tool " + req.Tool + " is not permitted"})
		return
	}

	result, err := s.tools.Dispatch(c, req.Tool, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool": req.Tool, "result": result})
}

// Dispatch routes a tool name to the matching code service operation.
func (t *ToolService) Dispatch(c *gin.Context, tool string, args map[string]json.RawMessage) (interface{}, error) {
	str := func(key string) string {
		var v string
		if raw, ok := args[key]; ok {
			json.Unmarshal(raw, &v)
		}
		return v
	}
	boolean := func(key string) bool {
		var v bool
		if raw, ok := args[key]; ok {
			json.Unmarshal(raw, &v)
		}
		return v
	}

	switch tool {
	case "read_file":
		return t.code.ReadFile(str("path"), boolean("chunked"))
	case "analyze_file":
		return t.code.AnalyzeFile(str("path"))
	case "analyze_codebase":
		return t.code.AnalyzeCodebase()
	case "search_docs":
		return t.code.SearchDocs(str("query"))
	case "find_references":
		return t.code.FindReferences(str("symbol"))
	case "find_callers":
		return t.code.FindCallers(str("symbol"))
	case "impact_analysis":
		return t.code.ImpactAnalysis(str("symbol"))
	case "git_diff":
		return t.code.GitDiff(c.Request.Context(), str("file"))
	case "run_tests":
		return t.code.RunTests(c.Request.Context(), str("test_file"))
	default:
		return nil, &unknownToolError{tool}
	}
}

type unknownToolError struct {
	tool string
}

func (e *unknownToolError) Error() string {
	return "unknown tool: " + e.tool
}

// Permissions is the merged allow/deny policy snapshot taken at request
// start.
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Allowed applies the policy: blocklist wins, a missing allowlist means
// everything is allowed.
func (p *Permissions) Allowed(tool string) bool {
	for _, d := range p.Deny {
		if d == tool {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if a == tool {
			return true
		}
	}
	return false
}

// loadPermissions merges the project policy with the user's global one.
func (t *ToolService) loadPermissions() *Permissions {
	merged := &Permissions{}
	paths := []string{filepath.Join(t.workspace, permissionsFileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", globalConfigDir, permissionsFileName))
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var p Permissions
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Get(logging.CategoryServer).Warn("bad permissions file %s: %v", path, err)
			continue
		}
		merged.Allow = append(merged.Allow, p.Allow...)
		merged.Deny = append(merged.Deny, p.Deny...)
	}
	return merged
}
