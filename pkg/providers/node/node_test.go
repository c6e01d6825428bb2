package node

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers/providertest"
)

const npmGlobalList = `{
  "name": "lib",
  "dependencies": {
    "typescript": {"version": "5.4.5", "overridden": false},
    "left-pad": {"version": "1.3.0", "overridden": false}
  }
}`

func TestNPMListInstalledGlobal(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("npm list --json --depth=0 -g", npmGlobalList).
		Stdout("npm root -g", "/usr/lib/node_modules\n").
		On("du -sk /usr/lib/node_modules/left-pad /usr/lib/node_modules/typescript", providertest.Response{
			Stdout:   "12\t/usr/lib/node_modules/left-pad\n",
			ExitCode: 1,
		})

	pkgs, err := NewNPM(runner).ListInstalled(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}

	want := []engine.Package{
		{Name: "left-pad", Version: "1.3.0", Backend: "npm", Size: 12 * 1024, InstalledPath: "/usr/lib/node_modules/left-pad"},
		{Name: "typescript", Version: "5.4.5", Backend: "npm"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected ListInstalled() to return %+v, got %+v", want, pkgs)
	}
}

func TestNPMListInstalledLocal(t *testing.T) {
	scope := engine.LocalScope("/srv/app")
	runner := providertest.NewRunner().
		On("npm list --json --depth=0", providertest.Response{Stdout: `{"dependencies":{"react":{"version":"^18.2.0"}}}`, ExitCode: 1}).
		Stdout("du -sk /srv/app/node_modules/react", "300\t/srv/app/node_modules/react\n")

	pkgs, err := NewNPM(runner).ListInstalled(context.Background(), scope)
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Version != "18.2.0" || pkgs[0].Size != 300*1024 {
		t.Errorf("unexpected packages %+v", pkgs)
	}
	if calls := runner.Calls(); calls[0].Dir != "/srv/app" {
		t.Errorf("local listing ran in %q", calls[0].Dir)
	}
}

func TestNPMListDecodeError(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("npm list --json --depth=0 -g", "npm WARN something\nnot json")

	_, err := NewNPM(runner).ListInstalled(context.Background(), engine.GlobalScope())
	if !engine.IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestNPMSearch(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name:   "array",
			output: `[{"name":"left-pad","version":"1.3.0","description":"pad","links":{"homepage":"https://example.com"}}]`,
		},
		{
			name:   "objects",
			output: `{"objects":[{"package":{"name":"left-pad","version":"1.3.0","description":"pad","links":{"homepage":"https://example.com"}}}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := providertest.NewRunner().Stdout("npm search --json left-pad", tt.output)
			pkgs, err := NewNPM(runner).Search(context.Background(), "left-pad")
			if err != nil {
				t.Fatalf("failed to search: %v", err)
			}
			want := []engine.Package{{Name: "left-pad", Version: "1.3.0", Backend: "npm", Description: "pad", Homepage: "https://example.com"}}
			if !reflect.DeepEqual(pkgs, want) {
				t.Errorf("expected Search() to return %+v, got %+v", want, pkgs)
			}
			if !runner.Calls()[0].Retry {
				t.Error("search should be retryable")
			}
		})
	}
}

func TestNPMInfoMergesInstalledVersion(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("npm view left-pad --json", `{"name":"left-pad","version":"1.3.0","description":"pad","license":"WTFPL","repository":{"type":"git","url":"git+https://github.com/stevemao/left-pad.git"}}`).
		Stdout("npm list left-pad --json --depth=0 -g", `{"dependencies":{"left-pad":{"version":"1.1.0"}}}`).
		Stdout("npm root -g", "/usr/lib/node_modules\n").
		Stdout("du -sk /usr/lib/node_modules/left-pad", "8\t/usr/lib/node_modules/left-pad\n")

	pkg, err := NewNPM(runner).Info(context.Background(), engine.GlobalScope(), "left-pad")
	if err != nil {
		t.Fatalf("failed to get package info: %v", err)
	}
	if pkg.Version != "1.1.0" || pkg.LatestVersion != "1.3.0" || !pkg.Outdated {
		t.Errorf("unexpected versions: %q/%q outdated=%v", pkg.Version, pkg.LatestVersion, pkg.Outdated)
	}
	if pkg.License != "WTFPL" || pkg.Repository != "https://github.com/stevemao/left-pad.git" {
		t.Errorf("unexpected metadata: %q %q", pkg.License, pkg.Repository)
	}
	if pkg.Size != 8*1024 {
		t.Errorf("unexpected Size: %d", pkg.Size)
	}
}

func TestNPMMutations(t *testing.T) {
	tests := []struct {
		name string
		run  func(m *Manager, req engine.MutationRequest) error
		req  engine.MutationRequest
		want string
	}{
		{
			name: "install global",
			run:  func(m *Manager, req engine.MutationRequest) error { return m.Install(context.Background(), req) },
			req:  engine.MutationRequest{Name: "left-pad", Scope: engine.GlobalScope()},
			want: "npm install left-pad -g",
		},
		{
			name: "install pinned forced",
			run:  func(m *Manager, req engine.MutationRequest) error { return m.Install(context.Background(), req) },
			req:  engine.MutationRequest{Name: "left-pad", Version: "1.1.0", Force: true, Scope: engine.GlobalScope()},
			want: "npm install --force left-pad@1.1.0 -g",
		},
		{
			name: "update local",
			run:  func(m *Manager, req engine.MutationRequest) error { return m.Upgrade(context.Background(), req) },
			req:  engine.MutationRequest{Name: "react", Scope: engine.LocalScope("/srv/app")},
			want: "npm update react",
		},
		{
			name: "uninstall forced",
			run:  func(m *Manager, req engine.MutationRequest) error { return m.Uninstall(context.Background(), req) },
			req:  engine.MutationRequest{Name: "left-pad", Force: true, Scope: engine.GlobalScope()},
			want: "npm uninstall left-pad --force -g",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := providertest.NewRunner().Stdout(tt.want, "ok\n")
			var lines []string
			tt.req.Output = func(_ engine.Stream, text string) { lines = append(lines, text) }

			if err := tt.run(NewNPM(runner), tt.req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			calls := runner.Calls()
			if len(calls) != 1 || calls[0].String() != tt.want {
				t.Fatalf("expected to run %q, got %v", tt.want, runner.Lines())
			}
			if calls[0].Class != "mutate" {
				t.Errorf("expected class to be mutate, got %q", calls[0].Class)
			}
			if len(lines) != 1 || lines[0] != "ok" {
				t.Errorf("unexpected output lines: %v", lines)
			}
		})
	}
}

func TestNPMMutationRejectsInvalidScope(t *testing.T) {
	runner := providertest.NewRunner()
	err := NewNPM(runner).Install(context.Background(), engine.MutationRequest{Name: "x", Scope: engine.Scope{Kind: engine.ScopeLocal}})
	if !engine.IsInvalid(err) {
		t.Fatalf("expected invalid scope error, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("no command should run for an invalid scope")
	}
}

func TestNPMOutdated(t *testing.T) {
	runner := providertest.NewRunner().
		On("npm outdated --json -g", providertest.Response{
			Stdout:   `{"typescript":{"current":"5.3.0","wanted":"5.4.5","latest":"5.4.5"}}`,
			ExitCode: 1,
		})

	pkgs, err := NewNPM(runner).Outdated(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	want := []engine.Package{{Name: "typescript", Version: "5.3.0", Backend: "npm", Outdated: true, LatestVersion: "5.4.5"}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Outdated() to return %+v, got %+v", want, pkgs)
	}
}

func TestNPMOutdatedNothing(t *testing.T) {
	runner := providertest.NewRunner().Stdout("npm outdated --json -g", "")
	pkgs, err := NewNPM(runner).Outdated(context.Background(), engine.GlobalScope())
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("unexpected Outdated(): %v, %v", pkgs, err)
	}
}

func TestNPMDependencies(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
	}{
		{name: "map", output: `{"loose-envify":"^1.1.0","scheduler":"~0.23.0"}`, want: 2},
		{name: "none", output: "", want: 0},
		{name: "null", output: "null", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := providertest.NewRunner().Stdout("npm view react dependencies --json", tt.output)
			pkgs, err := NewNPM(runner).Dependencies(context.Background(), engine.GlobalScope(), "react")
			if err != nil {
				t.Fatalf("failed to query dependencies: %v", err)
			}
			if len(pkgs) != tt.want {
				t.Fatalf("expected %d dependencies, got %d", tt.want, len(pkgs))
			}
			if tt.want == 2 && (pkgs[0].Name != "loose-envify" || pkgs[0].Version != "1.1.0") {
				t.Errorf("unexpected first dependency %+v", pkgs[0])
			}
		})
	}
}

func TestPNPMListArray(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("pnpm list --json --depth=0", `[{"name":"app","dependencies":{"vite":{"version":"5.2.0"}},"devDependencies":{"vitest":{"version":"1.5.0"}}}]`).
		Stdout("du -sk /srv/app/node_modules/vite /srv/app/node_modules/vitest", "")

	pkgs, err := NewPNPM(runner).ListInstalled(context.Background(), engine.LocalScope("/srv/app"))
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].Name != "vite" || pkgs[1].Name != "vitest" {
		t.Errorf("unexpected packages %+v", pkgs)
	}
}

func TestPNPMVerbs(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("pnpm add typescript -g", "").
		Stdout("pnpm remove typescript -g", "")
	m := NewPNPM(runner)

	if err := m.Install(context.Background(), engine.MutationRequest{Name: "typescript", Scope: engine.GlobalScope()}); err != nil {
		t.Fatalf("failed to install: %v", err)
	}
	if err := m.Uninstall(context.Background(), engine.MutationRequest{Name: "typescript", Scope: engine.GlobalScope()}); err != nil {
		t.Fatalf("failed to uninstall: %v", err)
	}
}

func TestYarnListInstalled(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		runner := providertest.NewRunner().
			Stdout("yarn global list --json", `{"type":"info","data":"\"create-react-app@5.0.1\" has binaries:"}
{"type":"list","data":{"type":"bins-create-react-app","items":["create-react-app"]}}
{"type":"info","data":"\"@vue/cli@5.0.8\" has binaries:"}`).
			Stdout("yarn global dir", "/home/me/.config/yarn/global\n").
			Stdout("du -sk /home/me/.config/yarn/global/node_modules/@vue/cli /home/me/.config/yarn/global/node_modules/create-react-app", "")

		pkgs, err := NewYarn(runner).ListInstalled(context.Background(), engine.GlobalScope())
		if err != nil {
			t.Fatalf("failed to list installed packages: %v", err)
		}
		want := []engine.Package{
			{Name: "@vue/cli", Version: "5.0.8", Backend: "yarn"},
			{Name: "create-react-app", Version: "5.0.1", Backend: "yarn"},
		}
		if !reflect.DeepEqual(pkgs, want) {
			t.Errorf("expected ListInstalled() to return %+v, got %+v", want, pkgs)
		}
	})

	t.Run("local", func(t *testing.T) {
		runner := providertest.NewRunner().
			Stdout("yarn list --json --depth=0", `{"type":"tree","data":{"type":"list","trees":[{"name":"left-pad@1.3.0","children":[],"depth":0}]}}`).
			Stdout("du -sk /srv/app/node_modules/left-pad", "")

		pkgs, err := NewYarn(runner).ListInstalled(context.Background(), engine.LocalScope("/srv/app"))
		if err != nil {
			t.Fatalf("failed to list installed packages: %v", err)
		}
		if len(pkgs) != 1 || pkgs[0].Name != "left-pad" || pkgs[0].Version != "1.3.0" {
			t.Errorf("unexpected packages %+v", pkgs)
		}
	})
}

func TestYarnOutdatedGlobalRunsInGlobalDir(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("yarn global dir", "/home/me/.config/yarn/global\n").
		On("yarn outdated --json", providertest.Response{
			Stdout:   `{"type":"table","data":{"head":["Package","Current","Wanted","Latest","Package Type","URL"],"body":[["left-pad","1.1.0","1.3.0","1.3.0","dependencies","https://example.com"]]}}`,
			ExitCode: 1,
		})

	pkgs, err := NewYarn(runner).Outdated(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].LatestVersion != "1.3.0" {
		t.Errorf("unexpected packages %+v", pkgs)
	}
	calls := runner.Calls()
	if calls[len(calls)-1].Dir != "/home/me/.config/yarn/global" {
		t.Errorf("outdated ran in %q", calls[len(calls)-1].Dir)
	}
}

func TestYarnUnsupportedOperations(t *testing.T) {
	runner := providertest.NewRunner()
	y := NewYarn(runner)

	if _, err := y.Search(context.Background(), "left-pad"); !engine.IsUnsupported(err) {
		t.Errorf("expected UnsupportedOperation from Search(), got %v", err)
	}
	if _, err := y.Dependencies(context.Background(), engine.GlobalScope(), "left-pad"); !engine.IsUnsupported(err) {
		t.Errorf("expected UnsupportedOperation from Dependencies(), got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("unsupported operations ran %v", runner.Lines())
	}
}

func TestYarnGlobalMutations(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("yarn global add left-pad@1.1.0", "").
		Stdout("yarn global upgrade left-pad", "").
		Stdout("yarn global remove left-pad", "")
	y := NewYarn(runner)
	ctx := context.Background()
	req := engine.MutationRequest{Name: "left-pad", Scope: engine.GlobalScope()}

	pinned := req
	pinned.Version = "1.1.0"
	if err := y.Install(ctx, pinned); err != nil {
		t.Fatalf("failed to install: %v", err)
	}
	if err := y.Upgrade(ctx, req); err != nil {
		t.Fatalf("failed to upgrade: %v", err)
	}
	if err := y.Uninstall(ctx, req); err != nil {
		t.Fatalf("failed to uninstall: %v", err)
	}
}

func TestBunListAndOutdated(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("bun pm ls", "/srv/app node_modules (2)\n├── left-pad@1.3.0\n└── @types/node@20.11.0\n").
		Stdout("du -sk /srv/app/node_modules/@types/node /srv/app/node_modules/left-pad", "").
		Stdout("bun outdated", `bun outdated v1.1.0
┌──────────┬─────────┬────────┬────────┐
│ Package  │ Current │ Update │ Latest │
├──────────┼─────────┼────────┼────────┤
│ left-pad │ 1.1.0   │ 1.1.0  │ 1.3.0  │
└──────────┴─────────┴────────┴────────┘`)
	b := NewBun(runner)
	scope := engine.LocalScope("/srv/app")

	pkgs, err := b.ListInstalled(context.Background(), scope)
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].Name != "@types/node" || pkgs[0].Version != "20.11.0" {
		t.Errorf("unexpected packages %+v", pkgs)
	}

	outdated, err := b.Outdated(context.Background(), scope)
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	want := []engine.Package{{Name: "left-pad", Version: "1.1.0", Backend: "bun", Outdated: true, LatestVersion: "1.3.0"}}
	if !reflect.DeepEqual(outdated, want) {
		t.Errorf("expected Outdated() to return %+v, got %+v", want, outdated)
	}
}

func TestBunGlobalFlagPlacement(t *testing.T) {
	runner := providertest.NewRunner().Stdout("bun add -g --force typescript", "")
	err := NewBun(runner).Install(context.Background(), engine.MutationRequest{Name: "typescript", Force: true, Scope: engine.GlobalScope()})
	if err != nil {
		t.Fatalf("unexpected error from Install(): %v (ran %v)", err, runner.Lines())
	}
}

func TestBunInfoNotInstalled(t *testing.T) {
	runner := providertest.NewRunner().Stdout("bun pm ls -g", "/home/me/.bun/install/global node_modules (0)\n")
	_, err := NewBun(runner).Info(context.Background(), engine.GlobalScope(), "left-pad")
	if !engine.IsInvalid(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}
