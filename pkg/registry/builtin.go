package registry

import (
	"fmt"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
	"github.com/openfroyo/pkgdeck/pkg/providers/brew"
	"github.com/openfroyo/pkgdeck/pkg/providers/cargo"
	"github.com/openfroyo/pkgdeck/pkg/providers/mas"
	"github.com/openfroyo/pkgdeck/pkg/providers/node"
	"github.com/openfroyo/pkgdeck/pkg/providers/python"
	"github.com/openfroyo/pkgdeck/pkg/providers/system"
)

// BuiltinOptions selects and tunes the built-in backends.
type BuiltinOptions struct {
	// Enabled lists backend names to register; empty registers all.
	Enabled []string

	// Binaries overrides the executable of a backend by name.
	Binaries map[string]string

	// Sudo runs system package manager mutations through "sudo -n".
	Sudo bool
}

type binarySetter interface {
	SetBinary(path string)
}

// BuiltinNames lists the built-in backends in registration order.
func BuiltinNames() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

type builtin struct {
	name string
	new  func(runner providers.Runner, opts BuiltinOptions) engine.Backend
}

func systemOpts(opts BuiltinOptions) []system.Option {
	if opts.Sudo {
		return []system.Option{system.WithSudo()}
	}
	return nil
}

var builtins = []builtin{
	{"npm", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return node.NewNPM(r) }},
	{"pnpm", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return node.NewPNPM(r) }},
	{"yarn", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return node.NewYarn(r) }},
	{"bun", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return node.NewBun(r) }},
	{"brew", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return brew.New(r) }},
	{"pip", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return python.NewPip(r) }},
	{"pipx", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return python.NewPipx(r) }},
	{"uv", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return python.NewUV(r) }},
	{"cargo", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return cargo.New(r) }},
	{"mas", func(r providers.Runner, _ BuiltinOptions) engine.Backend { return mas.New(r) }},
	{"apt", func(r providers.Runner, o BuiltinOptions) engine.Backend { return system.NewApt(r, systemOpts(o)...) }},
	{"dnf", func(r providers.Runner, o BuiltinOptions) engine.Backend { return system.NewDnf(r, systemOpts(o)...) }},
	{"yum", func(r providers.Runner, o BuiltinOptions) engine.Backend { return system.NewYum(r, systemOpts(o)...) }},
	{"zypper", func(r providers.Runner, o BuiltinOptions) engine.Backend { return system.NewZypper(r, systemOpts(o)...) }},
}

// RegisterBuiltin registers the enabled built-in backends on r, all running
// their commands through runner.
func RegisterBuiltin(r *Registry, runner providers.Runner, opts BuiltinOptions) error {
	enabled := make(map[string]bool, len(opts.Enabled))
	for _, name := range opts.Enabled {
		enabled[name] = true
	}
	for name := range enabled {
		if !isBuiltin(name) {
			return fmt.Errorf("unknown built-in backend %q", name)
		}
	}
	for name := range opts.Binaries {
		if !isBuiltin(name) {
			return fmt.Errorf("binary override for unknown backend %q", name)
		}
	}

	for _, b := range builtins {
		if len(enabled) > 0 && !enabled[b.name] {
			continue
		}
		backend := b.new(runner, opts)
		if path := opts.Binaries[b.name]; path != "" {
			if s, ok := backend.(binarySetter); ok {
				s.SetBinary(path)
			}
		}
		if err := r.Register(backend); err != nil {
			return err
		}
	}
	return nil
}

func isBuiltin(name string) bool {
	for _, b := range builtins {
		if b.name == name {
			return true
		}
	}
	return false
}
