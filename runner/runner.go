// Package runner is the engine's Step Runner (spec.md §4.8): it executes
// one parsed hooks.Step against a workflow's Context Manager scope and
// knowledge Graph, dispatching on step kind and returning a StepResult.
// Grounded on semantic/executor/executor.go's Registry.Execute dispatch
// (env-placeholder expansion, then try-each-executor-until-one-handles-it),
// generalized from that package's ${ENV:VAR} + CanHandle probing to a
// fixed switch over spec.md's step kind enum, since the kind is already
// known from the parsed Step rather than discovered at runtime.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"code.gitea.io/sdk/gitea"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"gopkg.in/yaml.v3"

	"github.com/gitvan/khe/config"
	"github.com/gitvan/khe/ctxscope"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/sparql"
)

// StepResult is the outcome of executing one step (spec.md §4.8).
type StepResult struct {
	StepID     string
	OK         bool
	Skipped    bool
	Outputs    map[string]interface{}
	Err        error
	DurationMs int64
}

// Runner executes steps against a repository and engine configuration.
type Runner struct {
	Repo   *gitio.Repo
	Config *config.EngineConfig
}

// resolveConfig returns step's substituted config, reusing the DAG
// Planner's PrecomputedConfig when present (spec.md §4.7) instead of
// re-resolving placeholders that only reference workflow inputs.
func resolveConfig(step hooks.Step, scope *ctxscope.Scope) (map[string]string, error) {
	if step.PrecomputedConfig != nil {
		return step.PrecomputedConfig, nil
	}
	return ctxscope.Substitute(step.Config, scope)
}

// New builds a Runner bound to a repository and its engine configuration.
func New(repo *gitio.Repo, cfg *config.EngineConfig) *Runner {
	return &Runner{Repo: repo, Config: cfg}
}

// Execute runs one leaf step: it substitutes `{{ name }}` placeholders in
// the step's config against scope, dispatches on step.Kind, bounds the
// call by the step's timeout_ms config field (or the engine default), and
// publishes the step's outputs atomically to scope on success (spec.md
// §4.9). Control-flow kinds (Conditional, Loop, Parallel, ErrorHandler)
// are not handled here; see RunWorkflow.
func (r *Runner) Execute(ctx context.Context, step hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	start := time.Now()

	cfg, err := resolveConfig(step, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}

	timeout := r.Config.StepTimeout
	if raw, ok := cfg["timeout_ms"]; ok {
		if ms, perr := strconv.Atoi(raw); perr == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outputs map[string]interface{}
	switch step.Kind {
	case hooks.StepSparql:
		outputs, err = r.handleSparql(stepCtx, cfg, g)
	case hooks.StepTemplate:
		outputs, err = r.handleTemplate(cfg)
	case hooks.StepFile:
		outputs, err = r.handleFile(cfg)
	case hooks.StepHttp:
		outputs, err = r.handleHttp(stepCtx, cfg)
	case hooks.StepGit:
		outputs, err = r.handleGit(cfg)
	case hooks.StepShell:
		outputs, err = r.handleShell(stepCtx, cfg)
	case hooks.StepDatabase:
		outputs, err = r.handleDatabase(cfg)
	case hooks.StepFilesystem:
		outputs, err = r.handleFilesystem(cfg)
	case hooks.StepNotify:
		outputs, err = r.handleNotify(stepCtx, cfg)
	default:
		err = kherr.New(kherr.KindValidation, "step %s: kind %q is not an executable leaf step", step.ID, step.Kind)
	}

	if err != nil {
		return failed(step.ID, start, err)
	}

	scope.SetOutput(step.ID, outputs)
	return StepResult{
		StepID:     step.ID,
		OK:         true,
		Outputs:    outputs,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func failed(stepID string, start time.Time, err error) StepResult {
	return StepResult{
		StepID:     stepID,
		OK:         false,
		Err:        err,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// handleSparql runs the step's query against the published Graph and
// binds the result set under outputs.results (spec.md §4.8's Sparql row).
func (r *Runner) handleSparql(ctx context.Context, cfg map[string]string, g *rdf.Graph) (map[string]interface{}, error) {
	query, ok := cfg["query"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Sparql step is missing query")
	}
	timeout := r.Config.StepTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	result, err := sparql.Select(g, query, sparql.Options{Timeout: timeout})
	if err != nil {
		return nil, kherr.Wrap(kherr.KindQuery, err, "executing Sparql step")
	}

	rows := make([]map[string]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		out := make(map[string]string, len(result.Vars))
		for _, v := range result.Vars {
			if term, ok := row[v]; ok {
				out[v] = rdf.Lexical(term)
			}
		}
		rows = append(rows, out)
	}
	return map[string]interface{}{"vars": result.Vars, "results": rows}, nil
}

// handleTemplate renders cfg["template"] (already substituted by Execute)
// and, if cfg["target"] is set, writes it under the workspace.
func (r *Runner) handleTemplate(cfg map[string]string) (map[string]interface{}, error) {
	rendered, ok := cfg["template"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Template step is missing template")
	}
	outputs := map[string]interface{}{"rendered": rendered}

	target, hasTarget := cfg["target"]
	if !hasTarget || target == "" {
		return outputs, nil
	}
	path, err := r.resolveWorkspacePath(target)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating directory for Template target %s", target)
	}
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "writing Template target %s", target)
	}
	outputs["written"] = target
	return outputs, nil
}

// handleFile materializes cfg["src"] under cfg["target"] according to
// cfg["mode"] (write, merge, or skip). A target that escapes the
// repository workspace fails with SecurityError (spec.md §4.8).
func (r *Runner) handleFile(cfg map[string]string) (map[string]interface{}, error) {
	target, ok := cfg["target"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "File step is missing target")
	}
	mode, ok := cfg["mode"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "File step is missing mode")
	}
	content := cfg["src"]

	path, err := r.resolveWorkspacePath(target)
	if err != nil {
		return nil, err
	}

	switch mode {
	case "skip":
		if _, statErr := os.Stat(path); statErr == nil {
			return map[string]interface{}{"skipped": true, "target": target}, nil
		}
		fallthrough
	case "write":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "creating directory for File target %s", target)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "writing File target %s", target)
		}
		return map[string]interface{}{"written": target}, nil
	case "merge":
		if err := mergeFile(path, content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"merged": target}, nil
	default:
		return nil, kherr.New(kherr.KindValidation, "File step has unsupported mode %q", mode)
	}
}

// mergeFile shallow-merges content (JSON or YAML, by target extension)
// into the existing file at path, new keys winning over old ones.
func mergeFile(path, content string) error {
	existing := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(data, &existing); err != nil {
				return kherr.Wrap(kherr.KindParse, err, "parsing existing YAML at %s for merge", path)
			}
		} else {
			if len(data) > 0 {
				if err := json.Unmarshal(data, &existing); err != nil {
					return kherr.Wrap(kherr.KindParse, err, "parsing existing JSON at %s for merge", path)
				}
			}
		}
	} else if !os.IsNotExist(err) {
		return kherr.Wrap(kherr.KindIO, err, "reading %s for merge", path)
	}

	incoming := map[string]interface{}{}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal([]byte(content), &incoming); err != nil {
			return kherr.Wrap(kherr.KindParse, err, "parsing merge content for %s", path)
		}
	} else if len(content) > 0 {
		if err := json.Unmarshal([]byte(content), &incoming); err != nil {
			return kherr.Wrap(kherr.KindParse, err, "parsing merge content for %s", path)
		}
	}
	for k, v := range incoming {
		existing[k] = v
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "creating directory for merge target %s", path)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err := yaml.Marshal(existing)
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "marshaling merged YAML for %s", path)
		}
		return os.WriteFile(path, data, 0o644)
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "marshaling merged JSON for %s", path)
	}
	return os.WriteFile(path, data, 0o644)
}

// resolveWorkspacePath resolves target against the engine's repository
// root and rejects any path that would escape it.
func (r *Runner) resolveWorkspacePath(target string) (string, error) {
	root, err := filepath.Abs(r.Config.RepoPath)
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving workspace root")
	}
	path := filepath.Join(root, target)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", kherr.New(kherr.KindSecurity, "target %q resolves outside the workspace", target)
	}
	return path, nil
}

// handleHttp performs an HTTP request and binds the response status and
// body (spec.md §4.8). A non-2xx status fails the step unless
// cfg["allow_non_2xx"] is "true".
func (r *Runner) handleHttp(ctx context.Context, cfg map[string]string) (map[string]interface{}, error) {
	url, ok := cfg["url"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Http step is missing url")
	}
	method := cfg["method"]
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := cfg["body"]; ok {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "building Http step request")
	}
	if headersJSON, ok := cfg["headers"]; ok && headersJSON != "" {
		headers := map[string]string{}
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, kherr.Wrap(kherr.KindValidation, err, "parsing Http step headers")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "performing Http step request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "reading Http step response")
	}

	if (resp.StatusCode < 200 || resp.StatusCode >= 300) && cfg["allow_non_2xx"] != "true" {
		return nil, kherr.New(kherr.KindIO, "Http step received non-2xx status %d", resp.StatusCode)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}, nil
}

// handleGit invokes the Git Interface for a whitelisted read-only
// subcommand; anything else fails with SecurityError (spec.md §4.8).
func (r *Runner) handleGit(cfg map[string]string) (map[string]interface{}, error) {
	subcommand, ok := cfg["subcommand"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Git step is missing subcommand")
	}
	if !allowed(subcommand, r.Config.AllowedGitSubcommands) {
		return nil, kherr.New(kherr.KindSecurity, "Git step subcommand %q is not allowed", subcommand)
	}

	switch subcommand {
	case "status":
		branch, err := r.Repo.CurrentBranch()
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "Git status step")
		}
		head, err := r.Repo.Head()
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "Git status step")
		}
		return map[string]interface{}{"branch": branch, "head": head}, nil
	case "show":
		commit, ok := cfg["commit"]
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "Git show step is missing commit")
		}
		message, err := r.Repo.CommitMessage(commit)
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "Git show step")
		}
		return map[string]interface{}{"message": message}, nil
	case "diff":
		from, to := cfg["from"], cfg["to"]
		if from == "" || to == "" {
			return nil, kherr.New(kherr.KindValidation, "Git diff step requires from and to")
		}
		paths, err := r.Repo.Diff(from, to)
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "Git diff step")
		}
		return map[string]interface{}{"paths": paths}, nil
	case "log":
		commit, ok := cfg["commit"]
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "Git log step is missing commit")
		}
		limit := 10
		if raw, ok := cfg["limit"]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		var messages []string
		for sha := commit; sha != "" && len(messages) < limit; {
			msg, err := r.Repo.CommitMessage(sha)
			if err != nil {
				break
			}
			messages = append(messages, msg)
			parent, err := r.Repo.ParentSHA(sha)
			if err != nil {
				break
			}
			sha = parent
		}
		return map[string]interface{}{"messages": messages}, nil
	default:
		return nil, kherr.New(kherr.KindSecurity, "Git step subcommand %q has no implementation", subcommand)
	}
}

func allowed(value string, list []string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// handleShell runs cfg["argv"] (a whitespace-split command line) subject
// to the engine's allow-list, directly or inside a sandbox container when
// configured (spec.md §4.8). Unlisted commands fail with SecurityError.
func (r *Runner) handleShell(ctx context.Context, cfg map[string]string) (map[string]interface{}, error) {
	argvLine, ok := cfg["argv"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Shell step is missing argv")
	}
	argv := strings.Fields(argvLine)
	if len(argv) == 0 {
		return nil, kherr.New(kherr.KindValidation, "Shell step argv is empty")
	}
	if !allowed(argv[0], r.Config.AllowedShellCommands) {
		return nil, kherr.New(kherr.KindSecurity, "Shell step command %q is not allowed", argv[0])
	}

	if r.Config.ShellSandbox {
		return runShellSandboxed(ctx, r.Config.ShellSandboxImage, argv)
	}
	return runShellDirect(ctx, argv)
}

// runShellDirect executes argv directly, grounded on common/shell.go's
// exec.Command + buffered stdout/stderr capture, generalized from
// bash -c string execution to a direct argv invocation.
func runShellDirect(ctx context.Context, argv []string) (map[string]interface{}, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, kherr.Wrap(kherr.KindIO, err, "running shell command %q", argv[0])
		}
	}
	outputs := map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		return outputs, kherr.New(kherr.KindIO, "shell command %q exited %d: %s", argv[0], exitCode, stderr.String())
	}
	return outputs, nil
}

// handleDatabase performs a simple get/put against the engine's content
// store (spec.md §6.1's cache tier), keyed by cfg["key"] within
// cfg["bucket"]. Grounded on storage/database.go's bucket-scoped key
// access, adapted to the engine's own on-disk layout.
func (r *Runner) handleDatabase(cfg map[string]string) (map[string]interface{}, error) {
	bucket, ok := cfg["bucket"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Database step is missing bucket")
	}
	key, ok := cfg["key"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Database step is missing key")
	}
	dbPath := filepath.Join(r.Config.RepoPath, r.Config.CacheDir, "kv.db")
	if value, ok := cfg["value"]; ok {
		if err := kvPut(dbPath, bucket, key, value); err != nil {
			return nil, err
		}
		return map[string]interface{}{"written": true}, nil
	}
	value, found, err := kvGet(dbPath, bucket, key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"value": value, "found": found}, nil
}

// handleFilesystem performs a workspace-scoped filesystem operation
// (read, write, delete, or mkdir) on cfg["path"], subject to the same
// workspace-escape check as the File step.
func (r *Runner) handleFilesystem(cfg map[string]string) (map[string]interface{}, error) {
	op, ok := cfg["op"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Filesystem step is missing op")
	}
	rawPath, ok := cfg["path"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Filesystem step is missing path")
	}
	path, err := r.resolveWorkspacePath(rawPath)
	if err != nil {
		return nil, err
	}

	switch op {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "reading Filesystem path %s", rawPath)
		}
		return map[string]interface{}{"content": string(data)}, nil
	case "write":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "creating directory for Filesystem path %s", rawPath)
		}
		if err := os.WriteFile(path, []byte(cfg["content"]), 0o644); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "writing Filesystem path %s", rawPath)
		}
		return map[string]interface{}{"written": rawPath}, nil
	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, kherr.Wrap(kherr.KindIO, err, "deleting Filesystem path %s", rawPath)
		}
		return map[string]interface{}{"deleted": rawPath}, nil
	case "mkdir":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "creating Filesystem directory %s", rawPath)
		}
		return map[string]interface{}{"created": rawPath}, nil
	default:
		return nil, kherr.New(kherr.KindValidation, "Filesystem step has unsupported op %q", op)
	}
}

// handleNotify emits payload to an external collaborator named by target,
// via Gitea or GitLab (spec.md §4.8). target is "<owner>/<repo>#<issue>"
// for Gitea, "<project_id>#<issue_iid>" for GitLab; cfg["forge"] selects
// which (default "gitea"). Grounded on forge/gitea.go's client
// construction and forge/gitlab.go's gitlab.NewClient(token,
// WithBaseURL(...)) pattern.
func (r *Runner) handleNotify(ctx context.Context, cfg map[string]string) (map[string]interface{}, error) {
	target, ok := cfg["target"]
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Notify step is missing target")
	}
	payload := cfg["payload"]

	forge := cfg["forge"]
	if forge == "" {
		forge = "gitea"
	}

	switch forge {
	case "gitea":
		return r.notifyGitea(ctx, target, payload)
	case "gitlab":
		return r.notifyGitlab(ctx, target, payload)
	default:
		return nil, kherr.New(kherr.KindValidation, "Notify step has unsupported forge %q", forge)
	}
}

func (r *Runner) notifyGitea(ctx context.Context, target, payload string) (map[string]interface{}, error) {
	ownerRepo, issueStr, ok := strings.Cut(target, "#")
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Notify target %q must be owner/repo#issue for Gitea", target)
	}
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Notify target %q must be owner/repo#issue for Gitea", target)
	}
	issue, err := strconv.ParseInt(issueStr, 10, 64)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindValidation, err, "Notify target %q has a non-numeric issue", target)
	}

	token := os.Getenv(r.Config.GiteaTokenEnv)
	client, err := gitea.NewClient(r.Config.GiteaBaseURL, gitea.SetToken(token), gitea.SetContext(ctx))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating Gitea client for Notify step")
	}
	comment, _, err := client.CreateIssueComment(owner, repo, issue, gitea.CreateIssueCommentOption{Body: payload})
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "Notify step failed to comment on %s", target)
	}
	return map[string]interface{}{"comment_id": comment.ID}, nil
}

func (r *Runner) notifyGitlab(ctx context.Context, target, payload string) (map[string]interface{}, error) {
	projectID, issueStr, ok := strings.Cut(target, "#")
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "Notify target %q must be project#issue for GitLab", target)
	}
	issue, err := strconv.Atoi(issueStr)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindValidation, err, "Notify target %q has a non-numeric issue", target)
	}

	token := os.Getenv(r.Config.GitLabTokenEnv)
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(r.Config.GitLabBaseURL+"/api/v4"))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating GitLab client for Notify step")
	}
	note, _, err := client.Notes.CreateIssueNote(projectID, issue, &gitlab.CreateIssueNoteOptions{Body: &payload}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "Notify step failed to comment on %s", target)
	}
	return map[string]interface{}{"note_id": note.ID}, nil
}
