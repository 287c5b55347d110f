package argbuilder

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

var windowsShellPrefix = []string{`C:\Windows\system32\cmd.exe`, "/C"}

var shellBinaryRoots = []string{"", "/bin", "/usr/bin", "/usr/local/bin"}
var shellBinaryNames = []string{"sh", "bash", "zsh"}

// Materializer is the scoped builder described in spec §9: constructed
// once per job, it applies dependency kinds in a fixed order and then
// finalizes into an argv. A Materializer must not be reused across jobs
// and its partially-built state must never escape Build.
type Materializer struct {
	image Image
	job   Job

	kwargs      map[string][]string
	positionals []string
}

// New constructs a Materializer for one (image, job) pair.
func New(image Image, job Job) *Materializer {
	return &Materializer{
		image:       image,
		job:         job,
		kwargs:      cloneKwargs(job.Kwargs),
		positionals: append([]string(nil), job.Positionals...),
	}
}

// Build runs the full materialization algorithm and returns the final
// argv, or an InvalidEntrypoint error if the safety check (step 7) fails.
func (m *Materializer) Build() ([]string, error) {
	m.injectReactionKwargs()
	m.injectDependencies()
	m.injectOutput()

	if len(m.job.Opts.OverrideCmd) > 0 {
		argv := append([]string(nil), m.job.Opts.OverrideCmd...)
		if m.job.Windows {
			argv = append(append([]string(nil), windowsShellPrefix...), argv...)
		}
		if err := safetyCheck(argv); err != nil {
			return nil, err
		}
		return argv, nil
	}

	entrypoint := append([]string(nil), m.image.Entrypoint...)
	cmd := append([]string(nil), m.image.Command...)
	if m.job.Windows {
		entrypoint = append(append([]string(nil), windowsShellPrefix...), entrypoint...)
	}

	base := append(append([]string(nil), entrypoint...), cmd...)

	argv := m.scanArgs(base, len(cmd) > 0)

	for _, key := range sortedKeys(m.kwargs) {
		for _, v := range m.kwargs[key] {
			argv = append(argv, key, v)
		}
	}
	argv = append(argv, m.job.Switches...)
	argv = append(argv, m.positionals...)

	if err := safetyCheck(argv); err != nil {
		return nil, err
	}
	return argv, nil
}

// injectReactionKwargs is step 1: generator jobs get --job/--reaction
// kwargs injected (or the image's declared reaction kwarg name).
func (m *Materializer) injectReactionKwargs() {
	if !m.job.Generator {
		return
	}
	m.kwargs["--job"] = []string{m.job.ID}

	reactionKey := "--reaction"
	if m.image.Args.ReactionKwarg != "" {
		reactionKey = m.image.Args.ReactionKwarg
	}
	m.kwargs[reactionKey] = []string{m.job.ReactionID}
}

// injectDependencies is step 2, walking dependency kinds in the fixed
// order the spec requires.
func (m *Materializer) injectDependencies() {
	m.injectGenericSet(m.image.Dependencies.Ephemeral, m.job.Ephemeral)
	m.injectGenericSet(m.image.Dependencies.Samples, m.job.Samples)
	m.injectRepos(m.image.Dependencies.Repos, m.job.Repos)
	m.injectResults(m.image.Dependencies.Results, m.job.Results)
	m.injectGenericSet(m.image.Dependencies.Tags, m.job.Tags)
	m.injectGenericSet(m.image.Dependencies.Children, m.job.Children)
	m.injectGenericSet(m.image.Dependencies.Cache, m.job.Cache)
}

func (m *Materializer) injectGenericSet(settings DependencySettings, set DependencySet) {
	values := m.materializeGeneric(settings, set)
	m.bind(settings.Kwarg, settings.KwargKey, values)
}

func (m *Materializer) materializeGeneric(settings DependencySettings, set DependencySet) []string {
	switch settings.Strategy {
	case StrategyDisabled:
		return nil
	case StrategyDirectory:
		if settings.Location == "" {
			return nil
		}
		return []string{settings.Location}
	case StrategyNames:
		out := make([]string, 0, len(set.Items))
		for _, item := range set.Items {
			out = append(out, item.Name)
		}
		return out
	case StrategyPaths:
		out := make([]string, 0, len(set.Items))
		for _, item := range set.Items {
			out = append(out, item.Path)
		}
		return out
	default:
		return nil
	}
}

func (m *Materializer) injectRepos(settings DependencySettings, repos []RepoDependency) {
	for _, r := range repos {
		if m.image.Args.CommitKwarg != "" && r.Commitish != "" {
			m.kwargs[m.image.Args.CommitKwarg] = append(m.kwargs[m.image.Args.CommitKwarg], r.Commitish)
		}
	}
	for _, r := range repos {
		if m.image.Args.RepoKwarg != "" {
			m.kwargs[m.image.Args.RepoKwarg] = append(m.kwargs[m.image.Args.RepoKwarg], repoDisplayURL(r.URL))
		}
	}

	var values []string
	switch settings.Strategy {
	case StrategyDisabled:
		return
	case StrategyDirectory:
		if settings.Location != "" {
			values = []string{settings.Location}
		}
	case StrategyNames:
		for _, r := range repos {
			values = append(values, r.URL)
		}
	case StrategyPaths:
		for _, r := range repos {
			values = append(values, r.Path)
		}
	}
	m.bind(settings.Kwarg, settings.KwargKey, values)
}

// repoDisplayURL renders a repo's canonical URL the way image-declared
// --repo injection expects it: stripped of scheme, matching scenario 5's
// "github.com/curl/curl" form.
func repoDisplayURL(url string) string {
	trimmed := strings.TrimPrefix(url, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	return trimmed
}

func (m *Materializer) injectResults(settings DependencySettings, results []ResultDependency) {
	if settings.Strategy == StrategyDisabled {
		return
	}
	if settings.Kwarg == BindingMap {
		for _, tool := range sortedStringKeys(settings.KwargMap) {
			key := settings.KwargMap[tool]
			for _, r := range results {
				if r.AvailableTools[tool] {
					m.kwargs[key] = append(m.kwargs[key], path.Join(r.Root, tool))
				}
				// Missing tool subdirectories are silently skipped here;
				// callers that want the scenario-6 log line observe it
				// via MissingToolDirs.
			}
		}
		return
	}

	var values []string
	for _, r := range results {
		values = append(values, r.Root)
	}
	m.bind(settings.Kwarg, settings.KwargKey, values)
}

// MissingToolDirs reports, for a results dependency using Map binding,
// every (tool, root) pair that had no materialized subdirectory — used
// by the caller to emit the log line spec scenario 6 requires.
func MissingToolDirs(settings DependencySettings, results []ResultDependency) []string {
	if settings.Kwarg != BindingMap {
		return nil
	}
	var missing []string
	for _, tool := range sortedStringKeys(settings.KwargMap) {
		for _, r := range results {
			if !r.AvailableTools[tool] {
				missing = append(missing, fmt.Sprintf("%s:%s", r.Root, tool))
			}
		}
	}
	return missing
}

func (m *Materializer) bind(binding KwargBinding, key string, values []string) {
	if len(values) == 0 {
		return
	}
	switch binding {
	case BindingNone:
		m.positionals = append(m.positionals, values...)
	case BindingList:
		if key == "" {
			return
		}
		m.kwargs[key] = append(m.kwargs[key], values...)
	case BindingMap:
		// handled inline by injectResults
	}
}

// injectOutput is step 3: the results path is appended, folded into a
// kwarg, or skipped, per the image's output binding.
const defaultOutputPath = "/tmp/thorium/results"

func (m *Materializer) injectOutput() {
	if m.image.Args.Output.Kind == OutputNone {
		return
	}
	outputPath := m.job.OutputPath
	if outputPath == "" {
		outputPath = defaultOutputPath
	}
	m.job.OutputPath = outputPath
	switch m.image.Args.Output.Kind {
	case OutputAppend:
		m.positionals = append(m.positionals, m.job.OutputPath)
	case OutputKwarg:
		if m.image.Args.Output.Key != "" {
			m.kwargs[m.image.Args.Output.Key] = append(m.kwargs[m.image.Args.Output.Key], m.job.OutputPath)
		}
	case OutputNone:
	}
}

// scanArgs is step 5: the base entrypoint+cmd walk, overlaying job kwargs
// onto matching tokens and applying override_positionals/override_kwargs.
//
// This carries two pieces of state from one token to the next rather than
// peeking ahead: inKwarg (the previous token was a separate-form kwarg key
// expecting a value) and wipe (the previous kwarg was replaced or dropped,
// so its paired value must go with it). A dash-prefixed token always
// starts its own key/value decision, so two adjacent flags never pair up
// with each other.
func (m *Materializer) scanArgs(base []string, cmdPresent bool) []string {
	allowablePositionals := 1
	if cmdPresent {
		allowablePositionals = 2
	}

	var out []string
	inKwarg := false
	wipe := false

	for _, tok := range base {
		if strings.HasPrefix(tok, "-") {
			key, _, isInline := splitInline(tok)
			inKwarg = !isInline

			if values, ok := m.kwargs[key]; ok {
				wipe = !isInline
				delete(m.kwargs, key)
				for _, v := range values {
					if isInline {
						out = append(out, fmt.Sprintf("%s=%s", key, v))
					} else {
						out = append(out, key, v)
					}
				}
				continue
			}

			if m.job.Opts.OverrideKwargs {
				wipe = !isInline
				continue
			}

			wipe = false
			out = append(out, tok)
			continue
		}

		add := (!wipe && (inKwarg || !m.job.Opts.OverridePositionals)) ||
			(m.job.Opts.OverridePositionals && allowablePositionals > 0)
		if add {
			out = append(out, tok)
			if m.job.Opts.OverridePositionals && !wipe && !inKwarg {
				allowablePositionals--
			}
		}
		inKwarg = false
		wipe = false
	}
	return out
}

// splitInline splits a `-flag=value` token into key/value; returns
// isInline=false for tokens that don't contain '='.
func splitInline(tok string) (key, value string, isInline bool) {
	idx := strings.Index(tok, "=")
	if idx < 0 {
		return tok, "", false
	}
	return tok[:idx], tok[idx+1:], true
}

// safetyCheck implements step 7 / invariant 7: argv must not be empty and
// must not reduce to a bare shell invocation.
func safetyCheck(argv []string) error {
	if len(argv) == 0 {
		return errors.InvalidEntrypoint(argv)
	}
	if len(argv) == 1 && isBareShell(argv[0]) {
		return errors.InvalidEntrypoint(argv)
	}
	return nil
}

func isBareShell(entry string) bool {
	cleaned := path.Clean(entry)
	dir, name := path.Split(cleaned)
	dir = strings.TrimSuffix(dir, "/")
	for _, root := range shellBinaryRoots {
		if dir != root {
			continue
		}
		for _, shell := range shellBinaryNames {
			if name == shell {
				return true
			}
		}
	}
	return false
}

func cloneKwargs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
