package mas

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers/providertest"
)

func TestListInstalled(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("mas list", "497799835  Xcode                (15.3)\n409183694  Keynote              (14.0)\n")

	pkgs, err := New(runner).ListInstalled(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	want := []engine.Package{
		{Name: "409183694", Version: "14.0", Backend: "mas", Description: "Keynote"},
		{Name: "497799835", Version: "15.3", Backend: "mas", Description: "Xcode"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected ListInstalled() to return %+v, got %+v", want, pkgs)
	}
}

func TestSearch(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("mas search xcode", "   497799835  Xcode                          (15.3)\n  1183412116  Xcode Theme Studio (1.2.0)\n")

	pkgs, err := New(runner).Search(context.Background(), "xcode")
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(pkgs) != 2 || pkgs[1].Description != "Xcode Theme Studio" || pkgs[1].Version != "1.2.0" {
		t.Errorf("unexpected Search(): %+v", pkgs)
	}
}

func TestSearchNoResults(t *testing.T) {
	runner := providertest.NewRunner().
		On("mas search zzzz", providertest.Response{Stderr: "No apps found", ExitCode: 1})

	pkgs, err := New(runner).Search(context.Background(), "zzzz")
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("unexpected Search(): %v, %v", pkgs, err)
	}
}

func TestInfo(t *testing.T) {
	runner := providertest.NewRunner().Stdout("mas info 497799835", `Xcode 15.3 [Free]
By: Apple
Released: 2024-03-05
Minimum OS: 13.5
Size: 3.0 GB
From: https://apps.apple.com/us/app/xcode/id497799835
`)

	pkg, err := New(runner).Info(context.Background(), engine.GlobalScope(), "497799835")
	if err != nil {
		t.Fatalf("failed to get package info: %v", err)
	}
	want := &engine.Package{
		Name:        "497799835",
		Version:     "15.3",
		Backend:     "mas",
		Description: "Xcode",
		Homepage:    "https://apps.apple.com/us/app/xcode/id497799835",
		Size:        3_000_000_000,
	}
	if !reflect.DeepEqual(pkg, want) {
		t.Errorf("expected Info() to return %+v, got %+v", want, pkg)
	}
}

func TestMutations(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Mas, engine.MutationRequest) error
		req  engine.MutationRequest
		want string
	}{
		{
			name: "install",
			run:  func(m *Mas, r engine.MutationRequest) error { return m.Install(context.Background(), r) },
			req:  engine.MutationRequest{Name: "497799835", Scope: engine.GlobalScope()},
			want: "mas install 497799835",
		},
		{
			name: "forced install",
			run:  func(m *Mas, r engine.MutationRequest) error { return m.Install(context.Background(), r) },
			req:  engine.MutationRequest{Name: "497799835", Force: true, Scope: engine.GlobalScope()},
			want: "mas purchase 497799835",
		},
		{
			name: "upgrade",
			run:  func(m *Mas, r engine.MutationRequest) error { return m.Upgrade(context.Background(), r) },
			req:  engine.MutationRequest{Name: "497799835", Scope: engine.GlobalScope()},
			want: "mas upgrade 497799835",
		},
		{
			name: "uninstall",
			run:  func(m *Mas, r engine.MutationRequest) error { return m.Uninstall(context.Background(), r) },
			req:  engine.MutationRequest{Name: "497799835", Scope: engine.GlobalScope()},
			want: "mas uninstall 497799835",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := providertest.NewRunner().Stdout(tt.want, "")
			if err := tt.run(New(runner), tt.req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := runner.Lines(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("expected to run %q, got %v", tt.want, got)
			}
		})
	}
}

func TestInstallRejectsVersion(t *testing.T) {
	runner := providertest.NewRunner()
	err := New(runner).Install(context.Background(), engine.MutationRequest{Name: "497799835", Version: "15.0", Scope: engine.GlobalScope()})
	if !engine.IsUnsupported(err) {
		t.Fatalf("expected UnsupportedOperation, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("commands ran: %v", runner.Lines())
	}
}

func TestOutdated(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("mas outdated", "497799835 Xcode (15.2 -> 15.3)\n")

	pkgs, err := New(runner).Outdated(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	want := []engine.Package{{Name: "497799835", Version: "15.2", Backend: "mas", Description: "Xcode", Outdated: true, LatestVersion: "15.3"}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Outdated() to return %+v, got %+v", want, pkgs)
	}
}
