package argbuilder

import (
	"reflect"
	"testing"
)

func build(t *testing.T, image Image, job Job) []string {
	t.Helper()
	argv, err := New(image, job).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return argv
}

// Scenario 1 — Minimal argv.
func TestScenario1_MinimalArgv(t *testing.T) {
	image := Image{Entrypoint: []string{"/usr/bin/python3"}, Command: []string{"corn.py"}}
	job := Job{}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "corn.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Scenario 2 — Output as positional.
func TestScenario2_OutputAppend(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Command:    []string{"corn.py"},
		Args:       ImageArgs{Output: OutputBinding{Kind: OutputAppend}},
	}
	job := Job{}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "corn.py", "/tmp/thorium/results"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Scenario 3 — Override positionals with surviving --keep=this.
func TestScenario3_OverridePositionals(t *testing.T) {
	image := Image{Entrypoint: []string{"/usr/bin/python3"}}
	job := Job{
		Positionals: []string{"pos1", "pos2"},
		Opts:        Opts{OverridePositionals: true},
	}
	image.Command = []string{"corn.py", "--keep=this", "old1", "old2"}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "corn.py", "--keep=this", "pos1", "pos2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Scenario 4 — Kwarg override drops --drop=this, keeps split-form kwargs.
func TestScenario4_OverrideKwargs(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Command:    []string{"corn.py", "--drop", "this", "pos1"},
	}
	job := Job{
		Kwargs: map[string][]string{"--1": {"1"}},
		Opts:   Opts{OverrideKwargs: true},
	}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "corn.py", "pos1", "--1", "1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Scenario 5 — Repo + commit injection under image-declared kwargs.
func TestScenario5_RepoAndCommitInjection(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Command:    []string{"corn.py"},
		Args: ImageArgs{
			RepoKwarg:   "--repo",
			CommitKwarg: "--commit",
		},
	}
	job := Job{
		Positionals: []string{"pos1", "pos2"},
		Opts:        Opts{OverridePositionals: true},
		Repos: []RepoDependency{
			{URL: "https://github.com/curl/curl", Commitish: "main", Path: "/tmp/repo1"},
			{URL: "https://github.com/notcurl/notcurl", Commitish: "main", Path: "/tmp/repo2"},
		},
	}

	got := build(t, image, job)
	want := []string{
		"/usr/bin/python3", "corn.py",
		"--commit", "main", "--commit", "main",
		"--repo", "github.com/curl/curl", "--repo", "github.com/notcurl/notcurl",
		"pos1", "pos2",
		"/tmp/repo1", "/tmp/repo2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Scenario 6 — Result dependency Map strategy with missing tool subdir.
func TestScenario6_ResultMapStrategyMissingTool(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Command:    []string{"corn.py"},
		Dependencies: Dependencies{
			Results: DependencySettings{
				Kwarg: BindingMap,
				KwargMap: map[string]string{
					"image1": "--image1-results",
					"image2": "--image2--results",
				},
			},
		},
	}
	job := Job{
		Results: []ResultDependency{
			{Root: "/tmp/sample1", AvailableTools: map[string]bool{"image1": true}},
			{Root: "/tmp/sample2", AvailableTools: map[string]bool{"image1": true}},
		},
	}

	got := build(t, image, job)

	wantContains := [][2]string{
		{"--image1-results", "/tmp/sample1/image1"},
		{"--image1-results", "/tmp/sample2/image1"},
	}
	for _, pair := range wantContains {
		if !containsPair(got, pair[0], pair[1]) {
			t.Errorf("argv %v missing pair %v", got, pair)
		}
	}
	for _, tok := range got {
		if tok == "--image2--results" {
			t.Errorf("argv %v should not contain --image2--results", got)
		}
	}

	missing := MissingToolDirs(image.Dependencies.Results, job.Results)
	if len(missing) != 2 {
		t.Errorf("MissingToolDirs() = %v, want 2 entries (one per sample root missing image2)", missing)
	}
}

func containsPair(argv []string, key, value string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == key && argv[i+1] == value {
			return true
		}
	}
	return false
}

// Regression test for the open question in spec §9: a kwarg in the cmd
// followed by no value and no further tokens, under override_positionals,
// keeps the kwarg key and leaves allowable_positionals unchanged.
func TestOpenQuestion_TrailingKwargWithNoValue(t *testing.T) {
	image := Image{Entrypoint: []string{"/usr/bin/python3"}, Command: []string{"corn.py", "--verbose"}}
	job := Job{
		Positionals: []string{"pos1"},
		Opts:        Opts{OverridePositionals: true},
	}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "corn.py", "--verbose", "pos1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

// Regression test: two adjacent separate-form flags in the image's cmd
// array, where the second is overridden by a job kwarg. The first flag's
// key must not swallow the second flag as its own value, and the stale
// token following the overridden flag must be dropped rather than
// re-emitted as a positional.
func TestScanArgs_AdjacentFlagsOverrideDoesNotSwallowNextFlag(t *testing.T) {
	image := Image{
		Entrypoint: []string{"tool.py"},
		Command:    []string{"--verbose", "--debug", "file.txt"},
	}
	job := Job{
		Kwargs: map[string][]string{"--debug": {"high"}},
	}

	got := build(t, image, job)
	want := []string{"tool.py", "--verbose", "--debug", "high"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestSafetyCheck_EmptyArgvRejected(t *testing.T) {
	image := Image{}
	job := Job{}
	_, err := New(image, job).Build()
	if err == nil {
		t.Fatal("expected InvalidEntrypoint error for empty argv")
	}
}

func TestSafetyCheck_BareShellRejected(t *testing.T) {
	tests := []string{"/bin/sh", "/bin/bash", "/usr/bin/zsh", "/usr/local/bin/sh", "bash"}
	for _, entry := range tests {
		t.Run(entry, func(t *testing.T) {
			image := Image{Entrypoint: []string{entry}}
			_, err := New(image, Job{}).Build()
			if err == nil {
				t.Errorf("expected InvalidEntrypoint for bare shell %q", entry)
			}
		})
	}
}

func TestSafetyCheck_ShellWithArgsAllowed(t *testing.T) {
	image := Image{Entrypoint: []string{"/bin/sh"}, Command: []string{"-c", "echo hi"}}
	_, err := New(image, Job{}).Build()
	if err != nil {
		t.Errorf("shell with args should be allowed, got error: %v", err)
	}
}

// Invariant 6: argument materialization is a pure function of its inputs.
func TestDeterminism(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Command:    []string{"corn.py"},
		Args:       ImageArgs{RepoKwarg: "--repo"},
	}
	job := Job{
		Repos: []RepoDependency{{URL: "https://github.com/curl/curl", Path: "/tmp/repo1"}},
	}

	first := build(t, image, job)
	second := build(t, image, job)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("materialization is not deterministic: %v != %v", first, second)
	}
}

func TestGeneratorInjectsJobAndReactionKwargs(t *testing.T) {
	image := Image{Entrypoint: []string{"/usr/bin/python3"}, Command: []string{"corn.py"}}
	job := Job{
		ID:         "11111111-1111-1111-1111-111111111111",
		ReactionID: "22222222-2222-2222-2222-222222222222",
		Generator:  true,
	}

	got := build(t, image, job)
	if !containsPair(got, "--job", job.ID) {
		t.Errorf("argv %v missing --job kwarg", got)
	}
	if !containsPair(got, "--reaction", job.ReactionID) {
		t.Errorf("argv %v missing --reaction kwarg", got)
	}
}

func TestGeneratorHonorsImageDeclaredReactionKwargName(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Args:       ImageArgs{ReactionKwarg: "--parent-reaction"},
	}
	job := Job{ID: "job-1", ReactionID: "reaction-1", Generator: true}

	got := build(t, image, job)
	if !containsPair(got, "--parent-reaction", "reaction-1") {
		t.Errorf("argv %v missing custom reaction kwarg", got)
	}
	for i := 0; i < len(got)-1; i++ {
		if got[i] == "--reaction" {
			t.Errorf("argv %v should not contain default --reaction key when image overrides it", got)
		}
	}
}

func TestDependencyPathsStrategyAppendsPositionals(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Dependencies: Dependencies{
			Samples: DependencySettings{Strategy: StrategyPaths},
		},
	}
	job := Job{
		Samples: DependencySet{Items: []DependencyItem{{Name: "abc", Path: "/tmp/sample1"}}},
	}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3", "/tmp/sample1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestDependencyListBindingUnderSingleKeyword(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Dependencies: Dependencies{
			Samples: DependencySettings{Strategy: StrategyNames, Kwarg: BindingList, KwargKey: "--samples"},
		},
	}
	job := Job{
		Samples: DependencySet{Items: []DependencyItem{
			{Name: "sha-a", Path: "/tmp/a"},
			{Name: "sha-b", Path: "/tmp/b"},
		}},
	}

	got := build(t, image, job)
	if !containsPair(got, "--samples", "sha-a") || !containsPair(got, "--samples", "sha-b") {
		t.Errorf("argv %v missing expected --samples pairs", got)
	}
}

func TestDisabledDependencyStrategyProducesNothing(t *testing.T) {
	image := Image{
		Entrypoint: []string{"/usr/bin/python3"},
		Dependencies: Dependencies{
			Samples: DependencySettings{Strategy: StrategyDisabled},
		},
	}
	job := Job{
		Samples: DependencySet{Items: []DependencyItem{{Name: "sha-a", Path: "/tmp/a"}}},
	}

	got := build(t, image, job)
	want := []string{"/usr/bin/python3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}
