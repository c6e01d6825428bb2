package providers

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// Lines splits output into trimmed, non-empty lines.
func Lines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Fields parses "Key: value" blocks as printed by pip show, apt-cache show,
// dnf info and similar. Keys are matched case-insensitively; the first
// occurrence wins.
func Fields(output string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value)
		}
	}
	return fields
}

// TrimRange strips semver range operators npm-style tools print.
func TrimRange(version string) string {
	return strings.TrimLeft(strings.TrimSpace(version), "^~=>< ")
}

// SplitNameVersion splits "name@1.2.3" and "@scope/name@1.2.3".
func SplitNameVersion(spec string) (string, string) {
	spec = strings.Trim(strings.TrimSpace(spec), `"`)
	idx := strings.LastIndex(spec, "@")
	if idx <= 0 {
		return spec, ""
	}
	return spec[:idx], spec[idx+1:]
}

// SortPackages orders packages by name and drops duplicate names so that a
// snapshot identifies each package once.
func SortPackages(pkgs []engine.Package) []engine.Package {
	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	out := pkgs[:0]
	for i, pkg := range pkgs {
		if i > 0 && pkg.Name == pkgs[i-1].Name {
			continue
		}
		out = append(out, pkg)
	}
	return out
}

// FlexString decodes JSON fields that tools emit as a string, a list of
// strings or an object with a url, such as npm's license and repository.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case '[':
		var list []FlexString
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if item != "" {
				parts = append(parts, string(item))
			}
		}
		*f = FlexString(strings.Join(parts, ", "))
	case '{':
		var obj struct {
			URL  string `json:"url"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.URL != "" {
			*f = FlexString(obj.URL)
		} else {
			*f = FlexString(obj.Type)
		}
	default:
		*f = FlexString(string(data))
	}
	return nil
}

// String returns the decoded value.
func (f FlexString) String() string { return string(f) }
