package system

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers/providertest"
)

var global = engine.GlobalScope()

func TestAptListInstalled(t *testing.T) {
	runner := providertest.NewRunner().Stdout("dpkg-query -W "+dpkgFormat,
		"ii \tcurl\t7.81.0-1ubuntu1.15\t453\tcommand line tool for transferring data with URL syntax\n"+
			"rc \told-lib\t1.0\t\t\n"+
			"ii \tbash\t5.1-6ubuntu1\t1864\t\n")

	pkgs, err := NewApt(runner).ListInstalled(context.Background(), global)
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	want := []engine.Package{
		{Name: "bash", Version: "5.1-6ubuntu1", Backend: "apt", Size: 1864 * 1024},
		{Name: "curl", Version: "7.81.0-1ubuntu1.15", Backend: "apt", Size: 453 * 1024, Description: "command line tool for transferring data with URL syntax"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected ListInstalled() to return %+v, got %+v", want, pkgs)
	}
}

func TestAptSearch(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("apt-cache search ripgrep", "ripgrep - Recursively searches directories for a regex pattern\n")

	pkgs, err := NewApt(runner).Search(context.Background(), "ripgrep")
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	want := []engine.Package{{Name: "ripgrep", Backend: "apt", Description: "Recursively searches directories for a regex pattern"}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Search() to return %+v, got %+v", want, pkgs)
	}
}

func TestAptInfo(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("apt-cache show --no-all-versions curl", `Package: curl
Architecture: amd64
Version: 7.81.0-1ubuntu1.16
Installed-Size: 453
Homepage: https://curl.se/
Description: command line tool for transferring data with URL syntax
Description-md5: 4b4f4c4f
`).
		Stdout("dpkg-query -W -f=${Version} curl", "7.81.0-1ubuntu1.15")

	pkg, err := NewApt(runner).Info(context.Background(), global, "curl")
	if err != nil {
		t.Fatalf("failed to get package info: %v", err)
	}
	want := &engine.Package{
		Name:          "curl",
		Version:       "7.81.0-1ubuntu1.15",
		Backend:       "apt",
		Description:   "command line tool for transferring data with URL syntax",
		Homepage:      "https://curl.se/",
		Size:          453 * 1024,
		Outdated:      true,
		LatestVersion: "7.81.0-1ubuntu1.16",
	}
	if !reflect.DeepEqual(pkg, want) {
		t.Errorf("expected Info() to return %+v, got %+v", want, pkg)
	}
}

func TestAptInfoNotInstalled(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("apt-cache show --no-all-versions jq", "Package: jq\nVersion: 1.6-2.1ubuntu3\n").
		On("dpkg-query -W -f=${Version} jq", providertest.Response{Stderr: "dpkg-query: no packages found matching jq", ExitCode: 1})

	pkg, err := NewApt(runner).Info(context.Background(), global, "jq")
	if err != nil {
		t.Fatalf("failed to get package info: %v", err)
	}
	if pkg.Version != "1.6-2.1ubuntu3" || pkg.Outdated || pkg.LatestVersion != "" {
		t.Errorf("unexpected Info(): %+v", pkg)
	}
}

func TestAptOutdated(t *testing.T) {
	runner := providertest.NewRunner().Stdout("apt list --upgradable", `Listing...
curl/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
libcurl4/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
`)

	pkgs, err := NewApt(runner).Outdated(context.Background(), global)
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	want := []engine.Package{
		{Name: "curl", Version: "7.81.0-1ubuntu1.15", Backend: "apt", Outdated: true, LatestVersion: "7.81.0-1ubuntu1.16"},
		{Name: "libcurl4", Version: "7.81.0-1ubuntu1.15", Backend: "apt", Outdated: true, LatestVersion: "7.81.0-1ubuntu1.16"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Outdated() to return %+v, got %+v", want, pkgs)
	}
}

func TestMutations(t *testing.T) {
	tests := []struct {
		name    string
		backend func(*providertest.Runner) engine.Backend
		op      func(engine.Backend, engine.MutationRequest) error
		req     engine.MutationRequest
		want    string
		wantEnv []string
	}{
		{
			name:    "apt install pinned",
			backend: func(r *providertest.Runner) engine.Backend { return NewApt(r) },
			op:      install,
			req:     engine.MutationRequest{Name: "curl", Version: "7.81.0-1ubuntu1.15", Scope: global},
			want:    "apt-get install -y curl=7.81.0-1ubuntu1.15",
			wantEnv: []string{"DEBIAN_FRONTEND=noninteractive"},
		},
		{
			name:    "apt reinstall with sudo",
			backend: func(r *providertest.Runner) engine.Backend { return NewApt(r, WithSudo()) },
			op:      install,
			req:     engine.MutationRequest{Name: "curl", Force: true, Scope: global},
			want:    "sudo -n DEBIAN_FRONTEND=noninteractive apt-get install -y --reinstall curl",
		},
		{
			name:    "apt upgrade",
			backend: func(r *providertest.Runner) engine.Backend { return NewApt(r) },
			op:      upgrade,
			req:     engine.MutationRequest{Name: "curl", Scope: global},
			want:    "apt-get install -y --only-upgrade curl",
			wantEnv: []string{"DEBIAN_FRONTEND=noninteractive"},
		},
		{
			name:    "apt purge",
			backend: func(r *providertest.Runner) engine.Backend { return NewApt(r) },
			op:      uninstall,
			req:     engine.MutationRequest{Name: "curl", Force: true, Scope: global},
			want:    "apt-get purge -y curl",
			wantEnv: []string{"DEBIAN_FRONTEND=noninteractive"},
		},
		{
			name:    "dnf install pinned",
			backend: func(r *providertest.Runner) engine.Backend { return NewDnf(r) },
			op:      install,
			req:     engine.MutationRequest{Name: "curl", Version: "8.2.1", Scope: global},
			want:    "dnf install -y curl-8.2.1",
		},
		{
			name:    "yum reinstall with sudo",
			backend: func(r *providertest.Runner) engine.Backend { return NewYum(r, WithSudo()) },
			op:      install,
			req:     engine.MutationRequest{Name: "curl", Force: true, Scope: global},
			want:    "sudo -n yum reinstall -y curl",
		},
		{
			name:    "dnf remove",
			backend: func(r *providertest.Runner) engine.Backend { return NewDnf(r) },
			op:      uninstall,
			req:     engine.MutationRequest{Name: "curl", Scope: global},
			want:    "dnf remove -y curl",
		},
		{
			name:    "zypper install pinned",
			backend: func(r *providertest.Runner) engine.Backend { return NewZypper(r) },
			op:      install,
			req:     engine.MutationRequest{Name: "curl", Version: "8.0.1", Force: true, Scope: global},
			want:    "zypper --non-interactive install --force curl=8.0.1",
		},
		{
			name:    "zypper update",
			backend: func(r *providertest.Runner) engine.Backend { return NewZypper(r) },
			op:      upgrade,
			req:     engine.MutationRequest{Name: "curl", Scope: global},
			want:    "zypper --non-interactive update curl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := providertest.NewRunner().Stdout(tt.want, "")
			if err := tt.op(tt.backend(runner), tt.req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			calls := runner.Calls()
			if len(calls) != 1 || calls[0].String() != tt.want {
				t.Fatalf("expected to run %q, got %v", tt.want, runner.Lines())
			}
			if !reflect.DeepEqual(calls[0].Env, tt.wantEnv) {
				t.Errorf("expected Env %v, got %v", tt.wantEnv, calls[0].Env)
			}
		})
	}
}

func install(b engine.Backend, r engine.MutationRequest) error {
	return b.Install(context.Background(), r)
}

func upgrade(b engine.Backend, r engine.MutationRequest) error {
	return b.Upgrade(context.Background(), r)
}

func uninstall(b engine.Backend, r engine.MutationRequest) error {
	return b.Uninstall(context.Background(), r)
}

const rpmList = "curl\t8.2.1-3.fc39\t812345\tA utility for getting files from remote servers\n" +
	"gpg-pubkey\t18b8e74c-62f2920f\t0\tgpg(Fedora)\n" +
	"bash\t5.2.26-1.fc39\t8123456\tThe GNU Bourne Again shell\n"

func TestDnfListInstalled(t *testing.T) {
	runner := providertest.NewRunner().Stdout("rpm -qa --queryformat "+rpmQueryFormat, rpmList)

	pkgs, err := NewDnf(runner).ListInstalled(context.Background(), global)
	if err != nil {
		t.Fatalf("failed to list installed packages: %v", err)
	}
	want := []engine.Package{
		{Name: "bash", Version: "5.2.26-1.fc39", Backend: "dnf", Size: 8123456, Description: "The GNU Bourne Again shell"},
		{Name: "curl", Version: "8.2.1-3.fc39", Backend: "dnf", Size: 812345, Description: "A utility for getting files from remote servers"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected ListInstalled() to return %+v, got %+v", want, pkgs)
	}
}

func TestDnfSearch(t *testing.T) {
	runner := providertest.NewRunner().Stdout("dnf search -q ripgrep",
		"=========== Name Exactly Matched: ripgrep ===========\nripgrep.x86_64 : Line oriented search tool\n")

	pkgs, err := NewDnf(runner).Search(context.Background(), "ripgrep")
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	want := []engine.Package{{Name: "ripgrep", Backend: "dnf", Description: "Line oriented search tool"}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Search() to return %+v, got %+v", want, pkgs)
	}
}

func TestDnfInfo(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("dnf info -q curl", `Available Packages
Name         : curl
Version      : 8.2.1
Release      : 4.fc39
Architecture : x86_64
Summary      : A utility for getting files from remote servers
URL          : https://curl.se/
License      : curl
`).
		Stdout("rpm -q --queryformat %{VERSION}-%{RELEASE} curl", "8.2.1-3.fc39")

	pkg, err := NewDnf(runner).Info(context.Background(), global, "curl")
	if err != nil {
		t.Fatalf("failed to get package info: %v", err)
	}
	want := &engine.Package{
		Name:          "curl",
		Version:       "8.2.1-3.fc39",
		Backend:       "dnf",
		Description:   "A utility for getting files from remote servers",
		Homepage:      "https://curl.se/",
		License:       "curl",
		Outdated:      true,
		LatestVersion: "8.2.1-4.fc39",
	}
	if !reflect.DeepEqual(pkg, want) {
		t.Errorf("expected Info() to return %+v, got %+v", want, pkg)
	}
}

func TestDnfOutdated(t *testing.T) {
	runner := providertest.NewRunner().
		On("dnf check-update -q", providertest.Response{ExitCode: 100, Stdout: "\ncurl.x86_64    8.2.1-4.fc39    updates\n\nObsoleting Packages\nfoo.x86_64 1.0 updates\n"}).
		Stdout("rpm -qa --queryformat "+rpmQueryFormat, rpmList)

	pkgs, err := NewDnf(runner).Outdated(context.Background(), global)
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "curl" || pkgs[0].Version != "8.2.1-3.fc39" || pkgs[0].LatestVersion != "8.2.1-4.fc39" {
		t.Errorf("unexpected Outdated(): %+v", pkgs)
	}
}

func TestDnfOutdatedNothing(t *testing.T) {
	runner := providertest.NewRunner().Stdout("dnf check-update -q", "")

	pkgs, err := NewDnf(runner).Outdated(context.Background(), global)
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("unexpected Outdated(): %v, %v", pkgs, err)
	}
	if runner.Ran("rpm -qa --queryformat " + rpmQueryFormat) {
		t.Error("rpm database read although nothing is outdated")
	}
}

func TestZypperSearch(t *testing.T) {
	runner := providertest.NewRunner().Stdout("zypper --non-interactive search curl", `Loading repository data...
Reading installed packages...

S  | Name        | Summary                                   | Type
---+-------------+-------------------------------------------+--------
i+ | curl        | A Tool for Transferring Data from URLs    | package
   | curl        | A Tool for Transferring Data from URLs    | srcpackage
   | libcurl4    | Library for transferring data from URLs   | package
`)

	pkgs, err := NewZypper(runner).Search(context.Background(), "curl")
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	want := []engine.Package{
		{Name: "curl", Backend: "zypper", Description: "A Tool for Transferring Data from URLs"},
		{Name: "libcurl4", Backend: "zypper", Description: "Library for transferring data from URLs"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Search() to return %+v, got %+v", want, pkgs)
	}
}

func TestZypperInfoNotFound(t *testing.T) {
	runner := providertest.NewRunner().
		Stdout("zypper --non-interactive info nope", "Loading repository data...\npackage 'nope' not found.\n")

	_, err := NewZypper(runner).Info(context.Background(), global, "nope")
	if !engine.IsInvalid(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestZypperOutdated(t *testing.T) {
	runner := providertest.NewRunner().Stdout("zypper --non-interactive list-updates", `Loading repository data...
S | Repository | Name | Current Version | Available Version | Arch
--+------------+------+-----------------+-------------------+-------
v | Update     | curl | 8.0.1-1.1       | 8.0.1-2.1         | x86_64
`)

	pkgs, err := NewZypper(runner).Outdated(context.Background(), global)
	if err != nil {
		t.Fatalf("failed to query outdated packages: %v", err)
	}
	want := []engine.Package{{Name: "curl", Version: "8.0.1-1.1", Backend: "zypper", Outdated: true, LatestVersion: "8.0.1-2.1"}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Errorf("expected Outdated() to return %+v, got %+v", want, pkgs)
	}
}

func TestLocalScopeUnsupported(t *testing.T) {
	runner := providertest.NewRunner()
	for _, b := range []engine.Backend{NewApt(runner), NewDnf(runner), NewZypper(runner)} {
		_, err := b.ListInstalled(context.Background(), engine.LocalScope("/srv/app"))
		if !engine.IsUnsupported(err) {
			t.Errorf("%s: expected UnsupportedOperation, got %v", b.Name(), err)
		}
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("commands ran: %v", runner.Lines())
	}
}

func TestSameVersion(t *testing.T) {
	if !sameVersion("1:2.3-1", "2.3-1") {
		t.Error("epoch should be ignored")
	}
	if sameVersion("2.3-1", "2.3-2") {
		t.Error("different releases compared equal")
	}
}
