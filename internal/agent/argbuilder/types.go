// Package argbuilder implements the agent argument materializer (spec
// §4.9) — the central hard algorithm of the agent side: it merges
// image-declared argument overrides with job-declared args, injects
// dependency artifacts (samples, repos, results, ephemerals, tags,
// children, cache) by strategy, and produces the final argv a worker
// execs. It is a pure function of its inputs: no randomness, no network
// access, no filesystem access from within this package.
package argbuilder

// KwargBinding selects how a dependency kind's materialized values are
// folded into the argv: as bare positionals, under a single keyword, or
// (results only) under a per-tool keyword.
type KwargBinding int

const (
	BindingNone KwargBinding = iota
	BindingList
	BindingMap
)

// DependencyStrategy selects what value is materialized per dependency
// item: its on-disk path, its logical name, a fixed directory, or nothing.
type DependencyStrategy int

// StrategyPaths is the zero value: an unconfigured DependencySettings
// defaults to materializing on-disk paths with no kwarg binding, matching
// what the reference agent does when an image declares no override.
const (
	StrategyPaths DependencyStrategy = iota
	StrategyNames
	StrategyDirectory
	StrategyDisabled
)

// DependencySettings is one sub-setting of an image's Dependencies block
// (spec §3.3): a strategy, a scratch location, and a kwarg binding.
type DependencySettings struct {
	Strategy DependencyStrategy
	Location string
	Kwarg    KwargBinding
	// KwargKey names the keyword when Kwarg == BindingList.
	KwargKey string
	// KwargMap names, for Kwarg == BindingMap, the keyword each tool's
	// subdirectory is injected under (results dependency only).
	KwargMap map[string]string
}

// Dependencies is an image's full dependency-injection declaration.
// Processing order in the materializer is fixed: Ephemeral, Samples,
// Repos, Results, Tags, Children, Cache (spec §4.9 step 2).
type Dependencies struct {
	Ephemeral DependencySettings
	Samples   DependencySettings
	Repos     DependencySettings
	Results   DependencySettings
	Tags      DependencySettings
	Children  DependencySettings
	Cache     DependencySettings
}

// OutputKind selects how the results path is folded into argv.
type OutputKind int

const (
	OutputNone OutputKind = iota
	OutputAppend
	OutputKwarg
)

// OutputBinding is an image's `args.output` declaration (spec §4.9 step 3).
type OutputBinding struct {
	Kind OutputKind
	Key  string
}

// ImageArgs is the subset of an image's `args` block the materializer
// consumes: the output binding, and the kwarg names used to inject repo
// URL / commitish / reaction-id values.
type ImageArgs struct {
	Output        OutputBinding
	RepoKwarg     string // e.g. "--repo"; empty disables repo URL injection
	CommitKwarg   string // e.g. "--commit"; empty disables commitish injection
	ReactionKwarg string // overrides the default "--reaction" key when set
}

// Image is the subset of an image spec the materializer consumes: its
// declared entrypoint/command (used as argv defaults), its args block,
// and its dependency declarations.
type Image struct {
	Entrypoint   []string
	Command      []string
	Args         ImageArgs
	Dependencies Dependencies
}

// Opts carries a job's `opts` overrides (spec §4.6).
type Opts struct {
	OverridePositionals bool
	OverrideKwargs      bool
	// OverrideCmd fully replaces argv when non-empty, bypassing scan_args
	// and the kwargs/switches/positionals appends (Windows jobs still get
	// the shell prefix).
	OverrideCmd []string
}

// DependencyItem is one materialized dependency artifact: a logical name
// (sha256, ephemeral name, filename, repo url) and its on-disk path.
type DependencyItem struct {
	Name string
	Path string
}

// RepoDependency is one materialized repo checkout: its canonical URL,
// resolved commitish, and on-disk clone path.
type RepoDependency struct {
	URL       string
	Commitish string
	Path      string
}

// ResultDependency is one materialized result root directory, plus the
// set of per-tool subdirectories that actually exist under it (computed
// by the caller when it downloaded/staged the results, so this package
// never touches the filesystem itself).
type ResultDependency struct {
	Root           string
	AvailableTools map[string]bool
}

// Job is the subset of a job record the materializer consumes.
type Job struct {
	ID         string
	ReactionID string
	Generator  bool

	Positionals []string
	Kwargs      map[string][]string
	Switches    []string
	Opts        Opts

	Ephemeral DependencySet
	Samples   DependencySet
	Repos     []RepoDependency
	Results   []ResultDependency
	Tags      DependencySet
	Children  DependencySet
	Cache     DependencySet

	// OutputPath is the results path the agent materialized for this
	// job (isolated-per-job if the image requested it); empty falls back
	// to the default results path /tmp/thorium/results.
	OutputPath string

	// Windows indicates the worker executing this job runs on Windows
	// (spec §4.9 step 4: prepend cmd.exe /C).
	Windows bool
}

// DependencySet holds the materialized items for one generic dependency
// kind (ephemeral, samples, tags, children, cache all share this shape).
type DependencySet struct {
	Items []DependencyItem
}
