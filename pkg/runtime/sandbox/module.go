package sandbox

import (
	"encoding/base64"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Dialect is the language an artifact's code is written in.
type Dialect string

const (
	DialectCEL  Dialect = "cel"
	DialectRego Dialect = "rego"
	DialectWASM Dialect = "wasm"
)

// Well-known entry points.
const (
	EntryRun             = "run"
	EntryHandleRequest   = "handle_request"
	EntryCheckPermission = "check_permission"
)

var knownEntries = []string{EntryRun, EntryHandleRequest, EntryCheckPermission}

const wasmPrefix = "wasm:"

var (
	entryName   = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	regoPackage = regexp.MustCompile(`^package\s+([A-Za-z_][A-Za-z0-9_.]*)`)
)

// Module is parsed artifact code.
type Module struct {
	Dialect Dialect
	// Entries maps entry-point names to CEL expressions.
	Entries map[string]string
	// Rego holds the policy source and its package path.
	Rego        string
	RegoPackage string
	// Wasm holds the compiled binary.
	Wasm []byte
}

// ParseModule detects the dialect and splits code into entry points.
//
//   - "wasm:<base64>" is a WebAssembly binary exposing only run.
//   - Source starting with "package " is a Rego module; rules are entries.
//   - A YAML mapping naming at least one well-known entry point maps entry
//     names to CEL expressions.
//   - Anything else is a single CEL expression bound to run.
func ParseModule(code string) (*Module, error) {
	src := strings.TrimSpace(code)
	if src == "" {
		return nil, errorir.InvalidArgument("code is empty")
	}

	if strings.HasPrefix(src, wasmPrefix) {
		bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(src, wasmPrefix)))
		if err != nil {
			return nil, errorir.InvalidArgument("wasm payload is not valid base64: %v", err)
		}
		if len(bin) < 8 || string(bin[:4]) != "\x00asm" {
			return nil, errorir.InvalidArgument("wasm payload lacks the module header")
		}
		return &Module{Dialect: DialectWASM, Wasm: bin}, nil
	}

	if m := regoPackage.FindStringSubmatch(src); m != nil {
		return &Module{Dialect: DialectRego, Rego: src, RegoPackage: m[1]}, nil
	}

	var entries map[string]string
	if err := yaml.Unmarshal([]byte(src), &entries); err == nil && isEntryMap(entries) {
		for name, body := range entries {
			if strings.TrimSpace(body) == "" {
				return nil, errorir.InvalidArgument("entry point %q has an empty body", name)
			}
		}
		return &Module{Dialect: DialectCEL, Entries: entries}, nil
	}
	return &Module{Dialect: DialectCEL, Entries: map[string]string{EntryRun: src}}, nil
}

func isEntryMap(m map[string]string) bool {
	if len(m) == 0 {
		return false
	}
	known := false
	for name := range m {
		if !entryName.MatchString(name) {
			return false
		}
		for _, k := range knownEntries {
			if name == k {
				known = true
			}
		}
	}
	return known
}

// Has reports whether the module defines the entry point.
func (m *Module) Has(entry string) bool {
	switch m.Dialect {
	case DialectWASM:
		return entry == EntryRun
	case DialectRego:
		re := regexp.MustCompile(`(?m)^\s*(?:default\s+)?` + regexp.QuoteMeta(entry) + `\b`)
		return re.MatchString(m.Rego)
	default:
		_, ok := m.Entries[entry]
		return ok
	}
}

// EntryNames lists the entry points, sorted. Rego and WASM report only the
// well-known entries they define.
func (m *Module) EntryNames() []string {
	var out []string
	if m.Dialect == DialectCEL {
		for name := range m.Entries {
			out = append(out, name)
		}
	} else {
		for _, k := range knownEntries {
			if m.Has(k) {
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}
