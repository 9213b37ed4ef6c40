package main

// coord_audit scans the module for writes that bypass the coordination
// primitives: raw updates touching the version or member_ids columns, or the
// job lifecycle columns, outside the packages that own them.
//
//	go run ./scripts [root]

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// guardedColumns maps a column to the package directory allowed to write it.
var guardedColumns = map[string]string{
	"version":    "internal/data/aggregates",
	"member_ids": "internal/data/aggregates",
	"locked_by":  "internal/data/repos/jobs",
	"locked_at":  "internal/data/repos/jobs",
	"attempts":   "internal/data/repos/jobs",
	"status":     "internal/data/repos/jobs",
}

var rawWriteMethods = map[string]bool{
	"Update":        true,
	"Updates":       true,
	"UpdateColumn":  true,
	"UpdateColumns": true,
	"Exec":          true,
}

var primitiveCalls = map[string]bool{
	"UpdateWithVersion": true,
	"AddMembers":        true,
	"RemoveMember":      true,
	"ReplaceMembers":    true,
	"Reconcile":         true,
	"Claim":             true,
	"Complete":          true,
	"Fail":              true,
	"ScheduleRetry":     true,
	"RetryOrFail":       true,
	"Cancel":            true,
}

type violation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Method string `json:"method"`
	Column string `json:"column"`
	Owner  string `json:"owner"`
}

type auditReport struct {
	FilesScanned   int            `json:"files_scanned"`
	PrimitiveCalls map[string]int `json:"primitive_calls"`
	Violations     []violation    `json:"violations"`
}

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	report, err := audit(root)
	if err != nil {
		exitf("audit: %v", err)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitf("marshal report: %v", err)
	}
	fmt.Println(string(out))
	if len(report.Violations) > 0 {
		os.Exit(1)
	}
}

func audit(root string) (auditReport, error) {
	report := auditReport{PrimitiveCalls: map[string]int{}}
	fset := token.NewFileSet()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		f, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			return err
		}
		report.FilesScanned++
		inspectFile(fset, f, filepath.ToSlash(rel), &report)
		return nil
	})
	sort.Slice(report.Violations, func(i, j int) bool {
		if report.Violations[i].File == report.Violations[j].File {
			return report.Violations[i].Line < report.Violations[j].Line
		}
		return report.Violations[i].File < report.Violations[j].File
	})
	return report, err
}

func inspectFile(fset *token.FileSet, file *ast.File, rel string, report *auditReport) {
	dir := filepath.ToSlash(filepath.Dir(rel))
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		method := sel.Sel.Name
		if primitiveCalls[method] {
			report.PrimitiveCalls[method]++
		}
		if !rawWriteMethods[method] {
			return true
		}
		for _, col := range columnsIn(call.Args) {
			owner, guarded := guardedColumns[col]
			if !guarded || dir == owner {
				continue
			}
			report.Violations = append(report.Violations, violation{
				File:   rel,
				Line:   fset.Position(call.Pos()).Line,
				Method: method,
				Column: col,
				Owner:  owner,
			})
		}
		return true
	})
}

// columnsIn finds guarded column names used as string arguments or map keys.
func columnsIn(args []ast.Expr) []string {
	seen := map[string]bool{}
	for _, arg := range args {
		ast.Inspect(arg, func(n ast.Node) bool {
			lit, ok := n.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			s, err := strconv.Unquote(lit.Value)
			if err != nil {
				return true
			}
			for col := range guardedColumns {
				if mentionsColumn(s, col) {
					seen[col] = true
				}
			}
			return true
		})
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

func mentionsColumn(s, col string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		if tok == col {
			return true
		}
	}
	return false
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
