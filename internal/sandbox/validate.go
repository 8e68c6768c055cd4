// Package sandbox validates externally generated strategy and analysis
// code before it is ever compiled into a worker binary or deployed
// (spec.md §4.8). The Python original's dynamic-import + AST-walk design
// has no direct Go analogue, since Go neither evals source nor imports a
// module at runtime; this is realized instead with go/parser+go/ast static
// analysis (stage 1-2) followed by an out-of-process compile-and-run smoke
// test (stage 3-5, internal/strategyworker for strategies, analysisharness
// for analysis modules). No pack example uses go/ast for this purpose —
// it is the Go standard library's own static-analysis toolkit and the only
// viable way to walk Go source without a third-party parser, so it is used
// directly rather than imported as a third-party dependency.
package sandbox

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// Variant selects which rule set Validate enforces.
type Variant string

const (
	VariantStrategy Variant = "strategy"
	VariantAnalysis Variant = "analysis"
)

// Result is the outcome of validation or a smoke test. A false Passed is an
// unconditional deployment block (spec.md §4.8).
type Result struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func newResult() *Result { return &Result{Passed: true} }

func (r *Result) fail(msg string) {
	r.Passed = false
	r.Errors = append(r.Errors, msg)
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// importBlocklist names root import paths forbidden for each variant: the
// Go-idiomatic restatement of spec.md §4.8's "network, subprocess,
// filesystem, OS, dynamic-import, introspection, threading, serialization,
// I/O" categories.
var importBlocklist = map[Variant]map[string]string{
	VariantStrategy: {
		"net":                            "network access",
		"net/http":                       "network access",
		"net/url":                        "network access",
		"net/rpc":                        "network access",
		"os/exec":                        "subprocess execution",
		"os":                             "filesystem/OS access",
		"os/signal":                      "OS signal access",
		"io":                             "unrestricted I/O",
		"io/ioutil":                      "unrestricted I/O",
		"bufio":                          "unrestricted I/O",
		"path/filepath":                  "filesystem access",
		"syscall":                        "raw OS access",
		"unsafe":                         "memory safety escape",
		"plugin":                         "dynamic code loading",
		"reflect":                        "introspection",
		"runtime":                        "runtime introspection/threading",
		"database/sql":                   "raw database access",
		"encoding/gob":                   "arbitrary deserialization",
		"github.com/aristath/nightforge/internal/store": "raw store access bypassing the read-only facade",
	},
	VariantAnalysis: {
		"net":              "network access",
		"net/http":         "network access",
		"net/url":          "network access",
		"net/rpc":          "network access",
		"os/exec":          "subprocess execution",
		"os":               "filesystem/OS access",
		"os/signal":        "OS signal access",
		"io/ioutil":        "unrestricted I/O",
		"path/filepath":    "filesystem access",
		"syscall":          "raw OS access",
		"unsafe":           "memory safety escape",
		"plugin":           "dynamic code loading",
		"reflect":          "introspection",
		"runtime":          "runtime introspection/threading",
		"database/sql":     "raw database access bypassing the read-only facade",
		"modernc.org/sqlite": "raw database driver bypassing the read-only facade",
		"encoding/gob":     "arbitrary deserialization",
		"github.com/aristath/nightforge/internal/store": "raw store access bypassing the read-only facade",
	},
}

// callBlocklist names bare function identifiers forbidden as call targets,
// the Go restatement of spec.md §4.8's {eval, exec, __import__, open,
// compile, print, getattr, setattr, delattr, globals, vars, dir}. Go has no
// direct equivalents of most of these (no eval/exec/getattr), so the list
// narrows to the builtins that do have a dangerous Go counterpart.
var callBlocklist = map[string]string{
	"print":   "use structured logging instead of print/println",
	"println": "use structured logging instead of print/println",
	"panic":   "strategies must return errors, never panic across the RPC boundary",
	"recover": "strategies must not intercept panics meant to crash the worker",
}

// selectorBlocklist names forbidden "pkg.Func" dotted call targets, the Go
// restatement of spec.md §4.8's OS-function block-list. Most are redundant
// with importBlocklist (the import itself is already rejected) but are kept
// as defense in depth against a dot-import or alias.
var selectorBlocklist = map[string]string{
	"os.Exit":         "process control",
	"os.Getenv":       "environment access",
	"os.Setenv":       "environment access",
	"exec.Command":    "subprocess execution",
	"syscall.Exec":    "raw OS access",
	"plugin.Open":     "dynamic code loading",
	"reflect.ValueOf": "introspection",
}

// Validate runs stages 1-2 of spec.md §4.8: parse to AST, then reject
// forbidden imports and calls. code must be a complete Go source file
// (package clause included).
func Validate(variant Variant, code string) *Result {
	r := newResult()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", code, parser.AllErrors)
	if err != nil {
		r.fail("syntax error: " + err.Error())
		return r
	}

	blocked := importBlocklist[variant]
	aliases := map[string]string{} // import alias -> package path, for selector resolution

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		name := importedName(imp, path)
		aliases[name] = path
		if reason, ok := blocked[path]; ok {
			r.fail("forbidden import " + path + ": " + reason)
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			if reason, ok := callBlocklist[fn.Name]; ok {
				r.fail("forbidden call " + fn.Name + "(): " + reason)
			}
		case *ast.SelectorExpr:
			if pkgIdent, ok := fn.X.(*ast.Ident); ok {
				dotted := pkgIdent.Name + "." + fn.Sel.Name
				if reason, ok := selectorBlocklist[dotted]; ok {
					r.fail("forbidden call " + dotted + "(): " + reason)
				}
				if variant == VariantAnalysis && fn.Sel.Name == "LoadExtension" {
					r.fail("forbidden call " + dotted + "(): dynamic extension loading")
				}
			}
		}
		return true
	})

	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if dangerousField[sel.Sel.Name] {
			r.warn("access to sensitive field/method ." + sel.Sel.Name + " flagged for review")
		}
		return true
	})

	return r
}

// dangerousField is the Go restatement of spec.md §4.8's dangerous-dunder
// list: Go has no __class__/__mro__ equivalents, but reflect-adjacent
// field/method names are flagged as a warning (not a hard fail, since
// legitimate struct fields can share these names).
var dangerousField = map[string]bool{
	"Pointer":    true,
	"UnsafeAddr": true,
}

func importedName(imp *ast.ImportSpec, path string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
