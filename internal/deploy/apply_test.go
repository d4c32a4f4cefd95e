package deploy

import (
	"strings"
	"testing"
)

func testSpec() ApplySpec {
	return ApplySpec{
		RemoteDir:   "/opt/stacks/api",
		Project:     "api",
		ComposeFile: "docker-compose.yml",
	}
}

func TestApplySpecSteps(t *testing.T) {
	spec := testSpec()
	steps := spec.Steps()

	indexOf := func(substr string) int {
		for i, s := range steps {
			if strings.Contains(s, substr) {
				return i
			}
		}
		t.Fatalf("no step contains %q in %v", substr, steps)
		return -1
	}

	t.Run("extraction targets staging", func(t *testing.T) {
		extract := steps[indexOf("tar -xzf -")]
		if !strings.Contains(extract, "/opt/stacks/api.staging") {
			t.Errorf("extract step %q does not target staging dir", extract)
		}
		if strings.Contains(extract, "'/opt/stacks/api'") {
			t.Errorf("extract step %q must not touch the live dir", extract)
		}
	})

	t.Run("swap is a single rename after extraction", func(t *testing.T) {
		extract := indexOf("tar -xzf -")
		swap := indexOf("mv '/opt/stacks/api.staging' '/opt/stacks/api'")
		if swap < extract {
			t.Error("rename swap must come after extraction")
		}
	})

	t.Run("containers restart after the swap", func(t *testing.T) {
		swap := indexOf("mv '/opt/stacks/api.staging' '/opt/stacks/api'")
		down := indexOf("docker compose -p 'api' -f '/opt/stacks/api/docker-compose.yml' down")
		up := indexOf("docker compose -p 'api' -f '/opt/stacks/api/docker-compose.yml' up -d")
		if !(swap < down && down < up) {
			t.Errorf("order wrong: swap=%d down=%d up=%d", swap, down, up)
		}
	})

	t.Run("stale staging cleared first", func(t *testing.T) {
		if !strings.Contains(steps[0], "rm -rf '/opt/stacks/api.staging'") {
			t.Errorf("first step %q should clear staging", steps[0])
		}
	})
}

func TestApplySpecCommand(t *testing.T) {
	spec := testSpec()
	command := spec.Command()

	// The whole pipeline is one invocation joined with '&&' so a failing
	// step stops everything with a non-zero exit.
	if got, want := strings.Count(command, " && "), len(spec.Steps())-1; got != want {
		t.Errorf("joins = %d, want %d", got, want)
	}
	for _, step := range spec.Steps() {
		if !strings.Contains(command, step) {
			t.Errorf("command missing step %q", step)
		}
	}
}

func TestCaptureCommand(t *testing.T) {
	command := testSpec().CaptureCommand()

	if !strings.Contains(command, "tar -C '/opt/stacks/api' -czf - .") {
		t.Errorf("capture command %q does not tar the live dir", command)
	}
	// A service never deployed before yields an empty archive rather
	// than a failing capture.
	if !strings.Contains(command, "tar -czf - -T /dev/null") {
		t.Errorf("capture command %q has no empty-archive branch", command)
	}
}

func TestTeardownCommand(t *testing.T) {
	command := testSpec().TeardownCommand()

	if !strings.Contains(command, "label=com.docker.compose.project=api") {
		t.Errorf("teardown %q does not scope container removal to the project", command)
	}
	if !strings.Contains(command, "rm -rf '/opt/stacks/api'") {
		t.Errorf("teardown %q does not remove the working directory", command)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"/opt/stacks/api", "'/opt/stacks/api'"},
		{"with space", "'with space'"},
		{"o'brien", `'o'\''brien'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
